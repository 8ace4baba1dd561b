package httpserver

const (
	ErrBadPayload       = "bad callback payload"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrDependency       = "dependency error"
	ErrRetryLater       = "retry later"
)
