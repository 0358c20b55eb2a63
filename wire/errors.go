package wire

import "fmt"

// ErrorCode is the numeric code carried by an Error envelope.
type ErrorCode uint32

const (
	CodeBadRequest         ErrorCode = 400
	CodeModelNotFound      ErrorCode = 404
	CodeInvalidModelAction ErrorCode = 405
	CodeModelNotReady      ErrorCode = 409
	CodeUnableToLoadModel  ErrorCode = 422
	CodeCantReachModel     ErrorCode = 503
)

func (c ErrorCode) String() string {
	switch c {
	case CodeBadRequest:
		return "BadRequest"
	case CodeModelNotFound:
		return "ModelNotFound"
	case CodeInvalidModelAction:
		return "InvalidModelAction"
	case CodeModelNotReady:
		return "ModelNotReady"
	case CodeUnableToLoadModel:
		return "UnableToLoadModel"
	case CodeCantReachModel:
		return "CantReachModel"
	}
	return fmt.Sprintf("ErrorCode(%d)", uint32(c))
}

// ProtocolError is a negative acknowledgement sent back to the hub. It never
// tears the connection down.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope converts the error into an outgoing Error envelope for taskID.
func (e *ProtocolError) Envelope(taskID string) *Envelope {
	return &Envelope{
		TaskID: taskID,
		Body:   Error{Code: uint32(e.Code), Message: e.Message},
	}
}

func BadRequest(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func ModelNotFound(modelID string) *ProtocolError {
	return &ProtocolError{Code: CodeModelNotFound, Message: fmt.Sprintf("model identifier %q not found", modelID)}
}

func CantReachModel(modelID string) *ProtocolError {
	return &ProtocolError{Code: CodeCantReachModel, Message: fmt.Sprintf("model %q is unreachable", modelID)}
}

func UnableToLoadModel(err error) *ProtocolError {
	return &ProtocolError{Code: CodeUnableToLoadModel, Message: err.Error()}
}

func ModelNotReady(modelID string) *ProtocolError {
	return &ProtocolError{Code: CodeModelNotReady, Message: fmt.Sprintf("model %q is not ready", modelID)}
}

func InvalidModelAction(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidModelAction, Message: fmt.Sprintf(format, args...)}
}

// NewError builds an Error envelope directly.
func NewError(code ErrorCode, taskID, msg string) *Envelope {
	return (&ProtocolError{Code: code, Message: msg}).Envelope(taskID)
}
