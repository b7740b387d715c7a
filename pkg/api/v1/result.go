package v1

// ErrorCode enumerates the error *kinds* that are reported back to a
// façade caller (as opposed to the kinds that are background-logged
// only, or that are fatal invariant violations).
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "VALIDATION"
	ErrorCodeCapacity         ErrorCode = "CAPACITY"
	ErrorCodeTransientRuntime ErrorCode = "TRANSIENT_RUNTIME"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeNotDescendant    ErrorCode = "NOT_DESCENDANT"
)

// StructuredError is the `Err` arm of the façade's
// `Ok(T) | Err(string|StructuredError)` result shape.
type StructuredError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *StructuredError) Error() string {
	return string(e.Code) + ": " + e.Message
}
