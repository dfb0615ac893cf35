package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runner は外部コマンドの実行口です。テストで差し替えます。
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner は os/exec でコマンドを実行します。
type ExecRunner struct {
	Logger zerolog.Logger
}

// Run はコマンドを実行し、標準出力と標準エラー出力を返します。
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.Logger.Error().
			Str("cmd", name).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Str("stderr", truncate(errb.String(), 8<<10)).
			Msg("exec failed")
	} else {
		r.Logger.Debug().
			Str("cmd", name).
			Str("args", strings.Join(args, " ")).
			Dur("elapsed", time.Since(start)).
			Int("stdout_bytes", out.Len()).
			Msg("exec ok")
	}
	return out.Bytes(), errb.Bytes(), err
}

// OCR は画像から文字を読み取ります。
type OCR interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

// Tesseract は tesseract CLI を使う OCR です。
type Tesseract struct {
	Path   string // 実行ファイル（既定: tesseract）
	Lang   string // 例: jpn+eng
	Runner Runner
}

// Recognize は画像のテキストを返します。
func (t *Tesseract) Recognize(ctx context.Context, imagePath string) (string, error) {
	path := t.Path
	if path == "" {
		path = "tesseract"
	}
	args := []string{imagePath, "stdout"}
	if t.Lang != "" {
		args = append(args, "-l", t.Lang)
	}
	args = append(args, "--psm", "3")

	stdout, stderr, err := t.Runner.Run(ctx, path, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tesseract: %s", truncate(msg, 512))
	}
	return strings.TrimSpace(string(stdout)), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
