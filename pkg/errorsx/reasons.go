package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDeviceUnavailable ReasonCode = "device_unavailable"

	ReasonRecognizeConnect ReasonCode = "recognize_connect"
	ReasonRecognizeSend    ReasonCode = "recognize_send"
	ReasonRecognizeRetry   ReasonCode = "recognize_retry"

	ReasonNotConnected   ReasonCode = "not_connected"
	ReasonConnectionLost ReasonCode = "connection_lost"
	ReasonAuthRejected   ReasonCode = "auth_rejected"
	ReasonDecode         ReasonCode = "decode"
	ReasonEncode         ReasonCode = "encode"
	ReasonChannelSend    ReasonCode = "channel_send"
)
