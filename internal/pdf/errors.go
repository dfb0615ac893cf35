package pdf

import "fmt"

// エラーコード。HTTP レスポンスの code にそのまま使います。
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeUnsupportedPDF      = "UNSUPPORTED_PDF"
	CodeLimitExceeded       = "LIMIT_EXCEEDED"
	CodeRenderFailed        = "RENDER_FAILED"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeCanceled            = "REQUEST_CANCELED"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error は利用者に提示できるメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
