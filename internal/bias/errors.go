package bias

// Error is a typed analyzer error
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidInput  = &Error{Type: "invalid_input", Message: "invalid input text", Code: 1001}
	ErrInvalidConfig = &Error{Type: "invalid_config", Message: "invalid bias configuration", Code: 1002}
)
