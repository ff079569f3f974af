package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
)

// FilesystemStore keeps blobs as flat files under one directory, named by
// their uuid. It is the default store for single-host deployments.
type FilesystemStore struct {
	dir    string
	logger zerolog.Logger
}

var _ Adapter = (*FilesystemStore)(nil)

func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FilesystemStore{dir: dir, logger: log.WithComponent("blob")}, nil
}

// path validates the id before touching the filesystem so a crafted id
// cannot escape the blob directory.
func (s *FilesystemStore) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q is not a blob id", ErrNotFound, id)
	}
	return filepath.Join(s.dir, id), nil
}

func (s *FilesystemStore) Put(ctx context.Context, r io.Reader) (string, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating blob file: %w", err)
	}

	written, err := copyChunked(ctx, f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing blob %s: %w", id, err)
	}

	s.logger.Debug().Str("blob_id", id).Int64("bytes", written).Msg("blob stored")
	return id, nil
}

func (s *FilesystemStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", id, err)
	}
	return f, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}

// copyChunked copies in bounded chunks, checking for cancellation between
// chunks so a dead client cannot pin an upload goroutine.
func copyChunked(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
