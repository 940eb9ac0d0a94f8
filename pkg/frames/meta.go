package frames

// Meta keys shared across the capture -> recognize -> wake pipeline.
const (
	MetaSessionID = "session_id"
	MetaTraceID   = "trace_id"
	MetaSource    = "source"
	MetaIsFinal   = "is_final"
	MetaReason    = "reason"
)
