package appointments

import "github.com/keshucs12345/voice-receptionist/internal/telemetry"

const scopeName = "github.com/keshucs12345/voice-receptionist/internal/appointments"

var logger = telemetry.Logger(scopeName)
