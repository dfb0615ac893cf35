package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-lens/internal/document"
)

type stubUploadService struct {
	doc       *document.Document
	err       error
	discarded []string
}

func (s *stubUploadService) PrepareUpload(ctx context.Context, file *multipart.FileHeader) (*document.Document, error) {
	return s.doc, s.err
}

func (s *stubUploadService) Discard(doc document.Document) error {
	s.discarded = append(s.discarded, doc.ID)
	return nil
}

type stubSubmitter struct {
	jobID string
	err   error
	got   []document.Document
}

func (s *stubSubmitter) Submit(doc document.Document) (string, error) {
	s.got = append(s.got, doc)
	return s.jobID, s.err
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if field != "" {
		fileWriter, err := writer.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := io.Copy(fileWriter, bytes.NewReader(data)); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	} else if err := writer.WriteField("note", "no file"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func serveUpload(t *testing.T, svc UploadService, sub JobSubmitter, field string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	body, contentType := multipartBody(t, field, "scan.pdf", []byte("%PDF-1.4\n"))
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/api/documents", UploadHandler(svc, sub))
	router.ServeHTTP(rec, req)
	return rec
}

func TestUploadHandlerAccepted(t *testing.T) {
	svc := &stubUploadService{doc: &document.Document{ID: "doc-1", Filename: "scan.pdf", MimeType: "application/pdf"}}
	sub := &stubSubmitter{jobID: "job-1"}

	rec := serveUpload(t, svc, sub, "file")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["jobId"] != "job-1" || payload["documentId"] != "doc-1" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	if len(sub.got) != 1 || sub.got[0].ID != "doc-1" {
		t.Fatalf("document was not submitted: %#v", sub.got)
	}
}

func TestUploadHandlerAcceptsFilesField(t *testing.T) {
	svc := &stubUploadService{doc: &document.Document{ID: "doc-2"}}
	rec := serveUpload(t, svc, &stubSubmitter{jobID: "job-2"}, "files[]")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadHandlerMissingFile(t *testing.T) {
	rec := serveUpload(t, &stubUploadService{}, &stubSubmitter{}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"limit", &Error{Code: CodeLimitExceeded, Message: "サイズ上限を超えています"}, http.StatusRequestEntityTooLarge, CodeLimitExceeded},
		{"type", &Error{Code: CodeUnsupportedFileType, Message: "対応していません"}, http.StatusUnsupportedMediaType, CodeUnsupportedFileType},
		{"pdf", &Error{Code: CodeUnsupportedPDF, Message: "壊れています"}, http.StatusBadRequest, CodeUnsupportedPDF},
		{"canceled", fmt.Errorf("copy: %w", context.Canceled), http.StatusRequestTimeout, CodeCanceled},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &stubSubmitter{}
			rec := serveUpload(t, &stubUploadService{err: tc.err}, sub, "file")
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if payload["code"] != tc.code {
				t.Fatalf("unexpected code: %s", payload["code"])
			}
			if len(sub.got) != 0 {
				t.Fatal("rejected upload must not be submitted")
			}
		})
	}
}

func TestUploadHandlerSubmitFailureDiscards(t *testing.T) {
	svc := &stubUploadService{doc: &document.Document{ID: "doc-3"}}
	rec := serveUpload(t, svc, &stubSubmitter{err: errors.New("shutting down")}, "file")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(svc.discarded) != 1 || svc.discarded[0] != "doc-3" {
		t.Fatalf("workspace was not discarded: %#v", svc.discarded)
	}
}
