package model

import "time"

// Shared defaults used by the engine, the server binary and the control CLI.
const (
	DefaultLogBuffer       = 1000
	DefaultHistoryCapacity = 1000
	DefaultHistoryPageSize = 100
	DefaultConnectTimeout  = 10 * time.Second

	// MessageLoggerSource is the component name whose log entries carry message-trace metadata.
	MessageLoggerSource = "message-logger"

	// NearZeroRate is the threshold below which a rate is reported as near-zero.
	NearZeroRate = 0.01
)
