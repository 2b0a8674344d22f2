// ABOUTME: Resolves a published service's urlData reference to definition bytes
// ABOUTME: Content-addressed keys go to the blob Store, http(s) URLs are fetched

package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Loader reads and deletes definition blobs by reference.
type Loader struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewLoader creates a Loader. store may be nil when every reference is a URL.
func NewLoader(store Store, client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{
		store:  store,
		client: client,
		logger: slog.Default().With("component", "blob"),
	}
}

// Load returns the bytes behind ref.
func (l *Loader) Load(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case ref == "":
		return nil, fmt.Errorf("empty blob reference: %w", ErrNotFound)
	case IsKey(ref):
		if l.store == nil {
			return nil, fmt.Errorf("no blob store configured for %s", ref)
		}
		return l.store.Get(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return l.fetch(ctx, ref)
	default:
		return nil, fmt.Errorf("unsupported blob reference %q", ref)
	}
}

// Delete removes a stored blob. URL references are owned elsewhere and are
// left alone.
func (l *Loader) Delete(ctx context.Context, ref string) error {
	if !IsKey(ref) || l.store == nil {
		l.logger.Debug("skipping delete of external blob", "ref", ref)
		return nil
	}
	return l.store.Delete(ctx, ref)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("fetching blob: %w", ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching blob: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading blob body: %w", err)
	}
	if len(data) > MaxBlobBytes {
		return nil, fmt.Errorf("fetching blob: %w", ErrTooLarge)
	}
	return data, nil
}
