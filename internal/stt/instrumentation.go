package stt

import (
	"github.com/keshucs12345/voice-receptionist/internal/telemetry"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/keshucs12345/voice-receptionist/internal/stt"

var (
	meter  = otel.Meter(scopeName)
	logger = telemetry.Logger(scopeName)
)
