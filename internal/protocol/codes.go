package protocol

// Application error codes carried in ERROR envelopes. The set is closed;
// handlers map their own failures onto one of these before they reach the
// wire.
const (
	CodeInvalidFormat    = 4000 // malformed JSON, unknown type, bad fields
	CodeMissingType      = 4001 // envelope has no type field
	CodeEmptyTopics      = 4003 // SUBSCRIBE/UNSUBSCRIBE with no topics
	CodeSuperseded       = 4005 // request replaced by a newer requestId
	CodeAuthRequired     = 4010 // restricted topic, anonymous identity
	CodeInvalidToken     = 4011 // token signature or claims invalid
	CodeRoleRequired     = 4012 // elevated role required
	CodeRateLimited      = 4029 // per-connection bucket empty
	CodeNotFound         = 4040 // unknown topic or resource
	CodeInvalidState     = 4050 // operation not valid in current state
	CodeTokenExpired     = 4401 // token past exp
	CodeInternal         = 5000 // handler or gateway internal failure
	CodeRequestTimeout   = 5002 // no terminal reply within the deadline
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal        = 1000
	CloseProtocolError = 1002
	ClosePolicy        = 1008
	CloseTryAgain      = 1013 // slow consumer or shutdown
)

// Error is a wire-mappable failure. Code is one of the Code* constants;
// Topic and RequestID are filled in when the failure concerns a specific
// topic or correlated request.
type Error struct {
	Code      int
	Message   string
	Topic     string
	RequestID string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds an Error with just a code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithTopic returns a copy of the error annotated with a topic.
func (e *Error) WithTopic(topic string) *Error {
	dup := *e
	dup.Topic = topic
	return &dup
}

// WithRequestID returns a copy of the error annotated with a request id.
func (e *Error) WithRequestID(requestID string) *Error {
	dup := *e
	dup.RequestID = requestID
	return &dup
}
