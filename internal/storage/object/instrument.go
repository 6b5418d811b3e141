package object

import (
	"context"
	"io"

	"github.com/data-platform/dataset-upload/internal/observability"
)

// instrumentedStore counts every operation against the wrapped store.
type instrumentedStore struct {
	inner   Store
	metrics *observability.Metrics
}

// WithMetrics wraps a store so its operations are counted by operation and
// result. A nil metrics returns the store unchanged.
func WithMetrics(inner Store, metrics *observability.Metrics) Store {
	if metrics == nil {
		return inner
	}
	return &instrumentedStore{inner: inner, metrics: metrics}
}

func (s *instrumentedStore) record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.StoreOperations.WithLabelValues(op, result).Inc()
}

func (s *instrumentedStore) Put(ctx context.Context, key string, data []byte) error {
	err := s.inner.Put(ctx, key, data)
	s.record("put", err)
	return err
}

func (s *instrumentedStore) PutStream(ctx context.Context, key string, r io.Reader) error {
	err := s.inner.PutStream(ctx, key, r)
	s.record("put_stream", err)
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.inner.Get(ctx, key)
	s.record("get", err)
	return rc, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	err := s.inner.Delete(ctx, key)
	s.record("delete", err)
	return err
}

func (s *instrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.inner.List(ctx, prefix)
	s.record("list", err)
	return keys, err
}
