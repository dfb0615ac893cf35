package pdf

import (
	"context"
	"mime/multipart"
)

// InspectResult はアップロードされた文書の基本メタデータを表します。
type InspectResult struct {
	Source SourceFileMeta `json:"source"`
}

// InspectMultipart は単一ファイルを検証し、ページ数などのメタデータを返します。ファイルは保持しません。
func (s *Service) InspectMultipart(ctx context.Context, file *multipart.FileHeader) (*InspectResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError(CodeInvalidInput, "ファイルを選択してください。", nil)
	}

	ws, err := s.store.Create()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = s.store.Remove(ws.ID)
	}()

	stored, err := s.storeMultipartFile(ctx, file, ws)
	if err != nil {
		return nil, err
	}

	return &InspectResult{
		Source: SourceFileMeta{
			Name:     stored.originalName,
			MimeType: stored.mimeType,
			Size:     stored.size,
			Pages:    stored.pages,
		},
	}, nil
}
