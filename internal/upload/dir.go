package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/chatsync/internal/syncerr"
)

const copyChunk = 64 * 1024

// DirStore is a BlobStore backed by a local directory.
type DirStore struct {
	Root string
}

// Put copies localURI (a path or file:// URI) under Root/destPath.
func (d DirStore) Put(ctx context.Context, localURI, destPath string, progress func(written, total int64)) (string, error) {
	dst, err := d.target(destPath)
	if err != nil {
		return "", err
	}
	src, err := os.Open(strings.TrimPrefix(localURI, "file://"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", syncerr.Reject("local file missing: " + localURI)
	}
	if err != nil {
		return "", syncerr.Transient(err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return "", syncerr.Transient(err)
	}
	if info.IsDir() {
		return "", syncerr.Reject("not a file: " + localURI)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", syncerr.Transient(fmt.Errorf("create blob dir: %w", err))
	}
	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", syncerr.Transient(err)
	}

	written, err := copyWithProgress(ctx, out, src, info.Size(), progress)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", syncerr.Transient(err)
	}
	if written != info.Size() {
		_ = os.Remove(tmp)
		return "", syncerr.Transient(fmt.Errorf("short copy: %d of %d bytes", written, info.Size()))
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", syncerr.Transient(err)
	}
	return "file://" + filepath.ToSlash(dst), nil
}

// target resolves destPath under Root and rejects paths that leave it.
func (d DirStore) target(destPath string) (string, error) {
	root := filepath.Clean(d.Root)
	dst := filepath.Join(root, filepath.FromSlash(destPath))
	rel, err := filepath.Rel(root, dst)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", syncerr.Reject("storage path escapes blob root: " + destPath)
	}
	return dst, nil
}

func copyWithProgress(ctx context.Context, w io.Writer, r io.Reader, total int64, progress func(written, total int64)) (int64, error) {
	buf := make([]byte, copyChunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
