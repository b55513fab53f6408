// Package artifact persists diagnostic session traces to object storage so
// a failed institution run can be replayed later.
package artifact

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
)

// Store saves a named artifact and returns a URI for it.
// This interface enables mocking and testing of storage operations.
type Store interface {
	Save(ctx context.Context, objectName, contentType string, data []byte) (string, error)
}

// GCSStore writes artifacts to a Google Cloud Storage bucket. It assumes
// Application Default Credentials are configured.
type GCSStore struct {
	Bucket string
}

// NewGCSStore creates a store targeting the given bucket.
func NewGCSStore(bucket string) *GCSStore {
	return &GCSStore{Bucket: bucket}
}

// Save uploads data under objectName and returns the object's URI.
func (s *GCSStore) Save(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := client.Bucket(s.Bucket).Object(objectName).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("copy artifact to storage writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}

	uri := fmt.Sprintf("gs://%s/%s", s.Bucket, objectName)
	log := logger.FromContext(ctx)
	log.Debug().Str("uri", uri).Msg("Saved artifact")
	return uri, nil
}

// TraceName builds the trace artifact object name for one failed run:
// date, institution, and a random suffix so concurrent failures never
// collide.
func TraceName(runDate time.Time, inst domain.Institution) string {
	return fmt.Sprintf("%s-%s-%s.zip", runDate.Format("2006-01-02"), inst, uuid.NewString())
}
