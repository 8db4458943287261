package calllog

import "github.com/keshucs12345/voice-receptionist/internal/telemetry"

const scopeName = "github.com/keshucs12345/voice-receptionist/internal/calllog"

var logger = telemetry.Logger(scopeName)
