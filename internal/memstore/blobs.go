package memstore

import (
	"context"
	"io"
	"strings"
	"sync"

	"studio/internal/domain"
)

// Blobs is a domain.BlobStore held in memory. Urls use the mem:// scheme.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func NewBlobs() *Blobs {
	return &Blobs{objects: map[string][]byte{}}
}

func (b *Blobs) Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	failure := b.err
	b.mu.Unlock()
	if failure != nil {
		return "", failure
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	key := strings.TrimLeft(path, "/")
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return "mem://" + key, nil
}

// SetErr makes every following Put fail with err. nil clears it.
func (b *Blobs) SetErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Get returns the stored bytes for a url returned by Put.
func (b *Blobs) Get(url string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[strings.TrimPrefix(url, "mem://")]
	return data, ok
}

func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

var _ domain.BlobStore = (*Blobs)(nil)
