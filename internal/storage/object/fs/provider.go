// Package fs implements the object store port on a local filesystem,
// for development and tests. Selected by storage.provider = "filesystem".
package fs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/data-platform/dataset-upload/internal/domain"
)

// Provider implements object.Store rooted at a local directory.
type Provider struct {
	root string
}

// NewProvider creates a filesystem object store rooted at root.
func NewProvider(root string) (*Provider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to create storage root", err)
	}
	return &Provider{root: root}, nil
}

func (p *Provider) path(key string) string {
	return filepath.Join(p.root, filepath.FromSlash(key))
}

// Put stores bytes at key. The write goes to a temporary file first and is
// renamed into place, so readers never observe a partial object.
func (p *Provider) Put(ctx context.Context, key string, data []byte) error {
	return p.write(ctx, key, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// PutStream consumes the reader into the object at key.
func (p *Provider) PutStream(ctx context.Context, key string, r io.Reader) error {
	return p.write(ctx, key, func(f *os.File) error {
		_, err := io.Copy(f, r)
		return err
	})
}

func (p *Provider) write(ctx context.Context, key string, fill func(*os.File) error) error {
	if err := ctx.Err(); err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "context cancelled", err)
	}

	dst := p.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to create object directory", err)
	}

	tmp := dst + ".tmp-" + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to create object", err)
	}

	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to write object", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to close object", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to commit object", err)
	}
	return nil
}

// Get returns the stored bytes as a stream.
func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(p.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrObjectNotFound
		}
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to open object", err)
	}
	return f, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (p *Provider) Delete(ctx context.Context, key string) error {
	err := os.Remove(p.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to delete object", err)
	}
	return nil
}

// List returns every key under the given prefix.
func (p *Provider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to list objects", err)
	}
	return keys, nil
}

// Ping verifies the root directory is writable, used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	probe := filepath.Join(p.root, ".probe-"+uuid.NewString())
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "storage root not writable", err)
	}
	os.Remove(probe)
	return nil
}
