package audio

import "github.com/keshucs12345/voice-receptionist/internal/telemetry"

const scopeName = "github.com/keshucs12345/voice-receptionist/internal/audio"

var logger = telemetry.Logger(scopeName)
