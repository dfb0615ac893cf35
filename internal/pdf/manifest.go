package pdf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/doc-lens/internal/document"
)

const manifestFilename = "manifest.json"

// DocumentManifest はワークスペースに保存した入力文書の情報です。
type DocumentManifest struct {
	DocumentID   string        `json:"documentId"`
	Kind         document.Kind `json:"kind"`
	MimeType     string        `json:"mimeType"`
	StoredName   string        `json:"storedName"`
	OriginalName string        `json:"originalName"`
	Size         int64         `json:"size"`
	Pages        int           `json:"pages"`
	Width        int           `json:"width,omitempty"`
	Height       int           `json:"height,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

func writeManifest(dir string, manifest *DocumentManifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	path := filepath.Join(dir, manifestFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

func loadManifest(dir string) (*DocumentManifest, error) {
	path := filepath.Join(dir, manifestFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest DocumentManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
