package protocol

// Error types accepted by the System.ExceptionEncountered event.
const (
	ErrorTypeUnexpectedInformation = "UNEXPECTED_INFORMATION_RECEIVED"
	ErrorTypeUnsupportedOperation  = "UNSUPPORTED_OPERATION"
	ErrorTypeInternalError         = "INTERNAL_ERROR"
)

type exceptionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type exceptionPayload struct {
	UnparsedDirective string         `json:"unparsedDirective"`
	Error             exceptionError `json:"error"`
}

// NewExceptionEncountered builds the System.ExceptionEncountered event
// reporting a directive the client could not process.
func NewExceptionEncountered(unparsedDirective string, errorType string, message string) *Event {
	return NewEvent("System", "ExceptionEncountered", exceptionPayload{
		UnparsedDirective: unparsedDirective,
		Error: exceptionError{
			Type:    errorType,
			Message: message,
		},
	})
}
