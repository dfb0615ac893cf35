package pdf

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-lens/internal/document"
)

// UploadService はアップロードの受付と破棄を提供します。
type UploadService interface {
	PrepareUpload(ctx context.Context, file *multipart.FileHeader) (*document.Document, error)
	Discard(doc document.Document) error
}

// InspectService はアップロードの検証のみを提供します。
type InspectService interface {
	InspectMultipart(ctx context.Context, file *multipart.FileHeader) (*InspectResult, error)
}

// JobSubmitter は受け付けた文書を非同期処理に投入します。
type JobSubmitter interface {
	Submit(doc document.Document) (string, error)
}

// UploadHandler は POST /api/documents のハンドラーを返します。処理は非同期で、202 とジョブIDを返します。
func UploadHandler(svc UploadService, submitter JobSubmitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, done, ok := bindSingleFile(c)
		if !ok {
			return
		}
		defer done()

		doc, err := svc.PrepareUpload(c.Request.Context(), file)
		if err != nil {
			writeError(c, err)
			return
		}

		jobID, err := submitter.Submit(*doc)
		if err != nil {
			_ = svc.Discard(*doc)
			writeError(c, newError(CodeUnavailable, "現在ジョブを受け付けられません。しばらくしてから再度お試しください。", err))
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":      jobID,
			"documentId": doc.ID,
			"filename":   doc.Filename,
			"mimeType":   doc.MimeType,
		})
	}
}

// InspectHandler は POST /api/documents/inspect のハンドラーを返します。
func InspectHandler(svc InspectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, done, ok := bindSingleFile(c)
		if !ok {
			return
		}
		defer done()

		result, err := svc.InspectMultipart(c.Request.Context(), file)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// bindSingleFile はフォームから最初のファイルを取り出します。失敗時は応答済みで ok=false です。
// done はフォームの一時ファイルを片付けます。
func bindSingleFile(c *gin.Context) (file *multipart.FileHeader, done func(), ok bool) {
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, newError(CodeInvalidInput, "multipart/form-data でファイルを送信してください。", err))
		return nil, nil, false
	}
	done = func() { _ = form.RemoveAll() }

	for _, field := range uploadFields {
		if files := form.File[field]; len(files) > 0 {
			return files[0], done, true
		}
	}
	done()
	writeError(c, newError(CodeInvalidInput, "ファイルを選択してください。", nil))
	return nil, nil, false
}

var uploadFields = []string{"file", "file[]", "files", "files[]"}

var errorStatus = map[string]int{
	CodeLimitExceeded:       http.StatusRequestEntityTooLarge,
	CodeUnsupportedFileType: http.StatusUnsupportedMediaType,
	CodeUnavailable:         http.StatusServiceUnavailable,
	CodeCanceled:            http.StatusRequestTimeout,
	CodeInternal:            http.StatusInternalServerError,
}

// writeError は err を {code, message} で返します。*Error 以外は内部エラーとして扱います。
func writeError(c *gin.Context, err error) {
	var perr *Error
	switch {
	case errors.As(err, &perr):
	case errors.Is(err, context.Canceled):
		perr = newError(CodeCanceled, "リクエストがキャンセルされました。", err)
	default:
		perr = newError(CodeInternal, "サーバー内部でエラーが発生しました。", err)
	}

	status, ok := errorStatus[perr.Code]
	if !ok {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"code": perr.Code, "message": perr.Message})
}
