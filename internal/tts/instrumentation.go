package tts

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/keshucs12345/voice-receptionist/internal/tts"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)
