package viewer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/storage"
)

// Error はクライアントへ返すコードとメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func invalidInput(format string, args ...any) *Error {
	return newError("INVALID_INPUT", fmt.Sprintf(format, args...), nil)
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var (
	errDocumentNotFound = newError("DOCUMENT_NOT_FOUND", "指定された文書は開かれていません。", nil)
	errViewClosed       = newError("VIEW_CLOSED", "ビューは閉じられました。", nil)
)

var statusByCode = map[string]int{
	"INVALID_INPUT":        http.StatusBadRequest,
	"DOCUMENT_NOT_FOUND":   http.StatusNotFound,
	"PAGE_NOT_FOUND":       http.StatusNotFound,
	"LABEL_NOT_FOUND":      http.StatusNotFound,
	"JOB_NOT_FOUND":        http.StatusNotFound,
	"UNSUPPORTED_DOCUMENT": http.StatusUnsupportedMediaType,
	"NOT_SUPPORTED":        http.StatusNotImplemented,
	"LIMIT_EXCEEDED":       http.StatusRequestEntityTooLarge,
	"VIEW_CLOSED":          http.StatusGone,
	"JOBS_DISABLED":        http.StatusServiceUnavailable,
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status, ok := statusByCode[apiErr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, document.ErrUnsupported):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"code":    "UNSUPPORTED_DOCUMENT",
			"message": "この形式の文書には対応していません。",
		})
	case errors.Is(err, document.ErrNoCapability):
		c.JSON(http.StatusNotImplemented, gin.H{
			"code":    "NOT_SUPPORTED",
			"message": "この文書では利用できない機能です。",
		})
	case errors.Is(err, storage.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": "ファイルサイズが上限を超えています。",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
