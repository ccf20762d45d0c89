// Package storage はアップロード入力と変換結果をローカルファイルシステムに保存します。
//
// 保存先のレイアウト:
//
//	<root>/inputs/<ref>.pdf      内容アドレスで保存した入力（同一内容は一度だけ書き込む）
//	<root>/jobs/<jobID>/out/     ジョブごとの変換結果
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	inputsDir      = "inputs"
	jobsDir        = "jobs"
	outputFilename = "result.md"
)

// ErrInvalidName は保存名にパス区切りなどが含まれる場合に返されます。
var ErrInvalidName = errors.New("storage: invalid name")

// Local はローカルディスク上のストレージです。
type Local struct {
	root string
}

// NewLocal は root 配下にストレージを初期化します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	for _, dir := range []string{filepath.Join(root, inputsDir), filepath.Join(root, jobsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	return &Local{root: root}, nil
}

// Root はストレージのルートディレクトリを返します。
func (l *Local) Root() string {
	return l.root
}

// SaveInput は入力を ref 名で保存し、保存先のパスを返します。
// 同じ ref が既に存在する場合は書き込みを省略します。
func (l *Local) SaveInput(ctx context.Context, ref string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateName(ref); err != nil {
		return "", err
	}
	path := filepath.Join(l.root, inputsDir, ref+".pdf")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// LoadInput は ref 名で保存された入力を読み込みます。
func (l *Local) LoadInput(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(ref); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(l.root, inputsDir, ref+".pdf"))
}

// SaveOutput はジョブの変換結果を保存し、保存先のパスを返します。
func (l *Local) SaveOutput(ctx context.Context, jobID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateName(jobID); err != nil {
		return "", err
	}
	outDir := filepath.Join(l.root, jobsDir, jobID, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create %s: %w", outDir, err)
	}
	path := filepath.Join(outDir, outputFilename)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// LoadOutput はジョブの変換結果を読み込みます。
func (l *Local) LoadOutput(ctx context.Context, jobID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(jobID); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(l.root, jobsDir, jobID, "out", outputFilename))
}

// RemoveJob はジョブディレクトリを削除します。
func (l *Local) RemoveJob(jobID string) error {
	if err := validateName(jobID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(l.root, jobsDir, jobID))
}

// Sweep は最終更新から maxAge を超えた入力とジョブディレクトリを削除し、削除件数を返します。
func (l *Local) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, dir := range []string{inputsDir, jobsDir} {
		base := filepath.Join(l.root, dir)
		entries, err := os.ReadDir(base)
		if err != nil {
			return removed, err
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(base, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: rename %s: %w", path, err)
	}
	return nil
}
