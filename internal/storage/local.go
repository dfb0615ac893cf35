// Package storage はジョブごとの作業ディレクトリ（<root>/<id>/in, out）を管理します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrTooLarge は保存するデータが上限を超えたことを表します。
var ErrTooLarge = errors.New("file exceeds size limit")

// ErrInvalidID はワークスペースIDの形式が不正であることを表します。
var ErrInvalidID = errors.New("invalid workspace id")

// Workspace は1文書分の作業ディレクトリです。
type Workspace struct {
	ID     string
	Dir    string
	InDir  string
	OutDir string
}

// Path は作業ディレクトリ直下のファイルパスを返します。
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Local はローカルファイルシステム上のワークスペース置き場です。
type Local struct {
	root string
	now  func() time.Time
}

// NewLocal は root を作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root, now: time.Now}, nil
}

// Root はワークスペースの親ディレクトリを返します。
func (l *Local) Root() string {
	return l.root
}

// Create は新しいワークスペースを作成します。
func (l *Local) Create() (*Workspace, error) {
	ws := l.workspace(uuid.NewString())
	for _, dir := range []string{ws.InDir, ws.OutDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = os.RemoveAll(ws.Dir)
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

// Open は既存のワークスペースを返します。
func (l *Local) Open(id string) (*Workspace, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidID
	}
	ws := l.workspace(id)
	info, err := os.Stat(ws.Dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", id)
	}
	return ws, nil
}

// Remove はワークスペースを削除します。存在しない場合は何もしません。
func (l *Local) Remove(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidID
	}
	return os.RemoveAll(filepath.Join(l.root, id))
}

// SaveStream は r を dst に書き込みます。limit を超えた場合はファイルを削除して ErrTooLarge を返します。
func (l *Local) SaveStream(ctx context.Context, dst string, r io.Reader, limit int64) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, copyErr := io.Copy(out, &ctxReader{ctx: ctx, r: src})
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(dst)
		return 0, copyErr
	case closeErr != nil:
		_ = os.Remove(dst)
		return 0, fmt.Errorf("failed to close file: %w", closeErr)
	case limit > 0 && written > limit:
		_ = os.Remove(dst)
		return 0, ErrTooLarge
	}
	return written, nil
}

// Sweep は更新から maxAge 以上経過したワークスペースを削除し、削除数を返します。
func (l *Local) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read storage root: %w", err)
	}
	cutoff := l.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (l *Local) workspace(id string) *Workspace {
	dir := filepath.Join(l.root, id)
	return &Workspace{
		ID:     id,
		Dir:    dir,
		InDir:  filepath.Join(dir, "in"),
		OutDir: filepath.Join(dir, "out"),
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
