package batch

import (
	"context"

	"github.com/SorinGFS/shared-http-cache/pkg/cachekey"
	"github.com/SorinGFS/shared-http-cache/pkg/storage"
)

// Handle is the storage surface a fully successful batch resolves with.
// It scopes maintenance operations to the directory the batch ran in.
type Handle struct {
	storage storage.Adapter
	dir     string
}

// Dir returns the cache directory the handle operates on.
func (h *Handle) Dir() string {
	return h.dir
}

// List returns every entry in the directory keyed by canonical URL.
func (h *Handle) List(ctx context.Context) (map[string]storage.EntryInfo, error) {
	return h.storage.List(ctx, h.dir)
}

// Verify audits the directory: corrupt content objects are dropped and
// the surviving population is counted.
func (h *Handle) Verify(ctx context.Context) (storage.VerifyStats, error) {
	return h.storage.Verify(ctx, h.dir)
}

// RemoveEntry removes the entry for url, and with fully set its content
// object too. The url is canonicalized the same way the engine did when
// storing, so keys obtained from List and raw request URLs both work.
func (h *Handle) RemoveEntry(ctx context.Context, url string, fully bool) error {
	key, err := cachekey.Normalize(url)
	if err != nil {
		return err
	}
	return h.storage.RemoveEntry(ctx, h.dir, key, fully)
}

// RemoveContent removes the content object for an integrity digest.
func (h *Handle) RemoveContent(ctx context.Context, digest string) error {
	return h.storage.RemoveContent(ctx, h.dir, digest)
}
