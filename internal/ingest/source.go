package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/storage"
)

// ObjectOpener is the slice of the object-store client the loader needs.
type ObjectOpener interface {
	Bucket() string
	OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
}

// openSource resolves path to a local file or, with the s3:// prefix, an
// object in the configured bucket. A missing source wraps ErrSourceNotFound.
func openSource(ctx context.Context, path string, objects ObjectOpener) (io.ReadCloser, error) {
	if strings.HasPrefix(path, domain.ObjectSourcePrefix) {
		if objects == nil {
			return nil, fmt.Errorf("%w: object storage is not configured for %s", domain.ErrConfiguration, path)
		}
		key := objectKey(path, objects.Bucket())
		if key == "" {
			return nil, fmt.Errorf("%w: empty object key in %s", domain.ErrConfiguration, path)
		}
		rc, err := objects.OpenObject(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, path)
			}
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return rc, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", domain.ErrSourceNotFound, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// objectKey strips the prefix and, when present, the bucket name.
func objectKey(path, bucket string) string {
	key := strings.TrimPrefix(path, domain.ObjectSourcePrefix)
	if bucket != "" && strings.HasPrefix(key, bucket+"/") {
		key = strings.TrimPrefix(key, bucket+"/")
	}
	return strings.TrimLeft(key, "/")
}
