package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
)

// AzureStore keeps blobs in one Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
	logger    zerolog.Logger
}

var _ Adapter = (*AzureStore)(nil)

// NewAzureStore connects with a storage-account connection string. The
// container must already exist.
func NewAzureStore(connectionString, container string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to azure blob storage: %w", err)
	}
	return &AzureStore{
		client:    client,
		container: container,
		logger:    log.WithComponent("blob"),
	}, nil
}

func (s *AzureStore) Put(ctx context.Context, r io.Reader) (string, error) {
	id := uuid.NewString()
	_, err := s.client.UploadStream(ctx, s.container, id, r, &azblob.UploadStreamOptions{
		BlockSize: chunkSize,
	})
	if err != nil {
		return "", fmt.Errorf("uploading blob %s: %w", id, err)
	}
	s.logger.Debug().Str("blob_id", id).Str("container", s.container).Msg("blob uploaded")
	return id, nil
}

func (s *AzureStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q is not a blob id", ErrNotFound, id)
	}
	resp, err := s.client.DownloadStream(ctx, s.container, id, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("downloading blob %s: %w", id, err)
	}
	return resp.Body, nil
}

func (s *AzureStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q is not a blob id", ErrNotFound, id)
	}
	_, err := s.client.DeleteBlob(ctx, s.container, id, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}
