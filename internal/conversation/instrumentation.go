package conversation

import (
	"github.com/keshucs12345/voice-receptionist/internal/telemetry"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/keshucs12345/voice-receptionist/internal/conversation"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = telemetry.Logger(scopeName)
)
