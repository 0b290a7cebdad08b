package common

type Response struct {
	Payload interface{} `json:"payload,omitempty"`
	Err     *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func Failure(code, message string) Response {
	return Response{Err: &Error{Code: code, Message: message}}
}
