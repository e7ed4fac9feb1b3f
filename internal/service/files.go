package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"github.com/tinoosan/shelfsync/internal/data"
)

const (
	chaptersFile = "chapters.json"
	coverName    = "cover"
)

// fsOps is the file system surface of the orchestrator; tests swap it.
type fsOps struct {
	move      func(src, dst string) error
	remove    func(path string) error
	removeAll func(path string) error
	mkdirAll  func(path string) error
	exists    func(path string) bool
}

func defaultFS() fsOps {
	return fsOps{
		move:   moveFile,
		remove: removeIfExists,
		removeAll: func(p string) error {
			return os.RemoveAll(p)
		},
		mkdirAll: func(p string) error {
			return os.MkdirAll(p, 0o755)
		},
		exists: func(p string) bool {
			_, err := os.Lstat(p)
			return err == nil
		},
	}
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// moveFile renames src to dst, copying across file systems. The copy is
// synced before src is removed.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var le *os.LinkError
	if !errors.As(err, &le) || errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// writeFileAtomic writes b next to path and renames it into place.
func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *download) writeMetadata(dir string, chapters data.Chapters) error {
	if err := s.fs.mkdirAll(dir); err != nil {
		return err
	}
	if err := s.fs.mkdirAll(s.tmpDir); err != nil {
		return err
	}
	if chapters == nil {
		chapters = data.Chapters{}
	}
	f, err := os.Create(filepath.Join(dir, chaptersFile+".tmp"))
	if err != nil {
		return err
	}
	if err := chapters.ToJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(filepath.Join(dir, chaptersFile+".tmp"), filepath.Join(dir, chaptersFile))
}

// saveCover stores the item artwork, named by its sniffed type. Failures
// are logged and otherwise ignored.
func (s *download) saveCover(ctx context.Context, item data.ItemID, dir string, log *slog.Logger) {
	b, err := s.media.FetchCover(ctx, item)
	if err != nil {
		log.Warn("cover not available", "err", err)
		return
	}
	if len(b) == 0 {
		return
	}
	ext := "jpg"
	if kind, err := filetype.Image(b); err == nil && kind != filetype.Unknown {
		ext = kind.Extension
	}
	if err := writeFileAtomic(filepath.Join(dir, fmt.Sprintf("%s.%s", coverName, ext)), b); err != nil {
		log.Warn("write cover", "err", err)
	}
}
