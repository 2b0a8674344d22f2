// ABOUTME: Service Registry: draft CRUD and the publish/unpublish lifecycle
// ABOUTME: Lifecycle transitions that touch several keys are written as one store batch

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/airrange-io/spreadapi-gateway/internal/store"
)

// BlobDeleter removes a published definition blob by reference.
type BlobDeleter interface {
	Delete(ctx context.Context, ref string) error
}

// Registry manages service drafts and published records.
type Registry struct {
	store  store.Store
	blobs  BlobDeleter
	logger *slog.Logger
	now    func() time.Time

	// invalidate drops in-process state derived from a service, such as
	// loaded workbook handles.
	invalidate func(serviceID string)
}

// NewRegistry creates a registry. blobs may be nil when definitions are not
// owned by this deployment.
func NewRegistry(s store.Store, blobs BlobDeleter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      s,
		blobs:      blobs,
		logger:     logger.With("component", "registry"),
		now:        time.Now,
		invalidate: func(string) {},
	}
}

// OnInvalidate registers the hook called after publish and unpublish.
func (r *Registry) OnInvalidate(fn func(serviceID string)) {
	if fn == nil {
		fn = func(string) {}
	}
	r.invalidate = fn
}

// NewID returns a fresh, non-guessable service id.
func NewID() string {
	return uuid.NewString()
}

// GetDraft returns the draft record.
func (r *Registry) GetDraft(ctx context.Context, id string) (*Draft, error) {
	h, err := r.store.HGetAll(ctx, draftKey(id))
	if err != nil {
		return nil, fmt.Errorf("reading draft %s: %w", id, Upstream(err))
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	return draftFromHash(id, h)
}

// GetPublished returns the published record.
func (r *Registry) GetPublished(ctx context.Context, id string) (*Published, error) {
	h, err := r.store.HGetAll(ctx, PublishedKey(id))
	if err != nil {
		return nil, fmt.Errorf("reading published service %s: %w", id, Upstream(err))
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("service %s is not published: %w", id, ErrNotFound)
	}
	return publishedFromHash(id, h)
}

// CurrentVersion reads the Version of the service's published record. It
// returns "" when the service is not published.
func CurrentVersion(ctx context.Context, s store.Store, id string) (string, error) {
	h, err := s.HGetAll(ctx, PublishedKey(id))
	if err != nil {
		return "", err
	}
	if len(h) == 0 {
		return "", nil
	}
	pub, err := publishedFromHash(id, h)
	if err != nil {
		return "", err
	}
	return pub.Version(), nil
}

// IsPublished reports whether the published record exists.
func (r *Registry) IsPublished(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.Exists(ctx, PublishedKey(id))
	if err != nil {
		return false, fmt.Errorf("checking service %s: %w", id, Upstream(err))
	}
	return ok, nil
}

// SaveDraft creates or updates a draft. The owner of an existing draft
// cannot change.
func (r *Registry) SaveDraft(ctx context.Context, d *Draft) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	if err := validateSchema(d); err != nil {
		return err
	}

	owner, err := r.store.HGet(ctx, draftKey(d.ID), "userId")
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("reading draft %s: %w", d.ID, Upstream(err))
	case owner != d.UserID:
		return fmt.Errorf("service %s belongs to another user: %w", d.ID, ErrForbidden)
	}

	published, err := r.IsPublished(ctx, d.ID)
	if err != nil {
		return err
	}
	status := StatusDraft
	if published {
		status = StatusPublished
	}

	d.UpdatedAt = r.now().UTC().Truncate(time.Second)
	fields, err := d.toHash()
	if err != nil {
		return err
	}

	err = r.store.Batch(ctx, func(tx store.Tx) {
		tx.Del(draftKey(d.ID))
		tx.HSet(draftKey(d.ID), fields)
		tx.HSet(userServicesKey(d.UserID), map[string]string{d.ID: status})
	})
	if err != nil {
		return fmt.Errorf("saving draft %s: %w", d.ID, Upstream(err))
	}

	r.logger.Debug("draft saved", "service_id", d.ID, "user_id", d.UserID)
	return nil
}

// Publish builds the published record from the draft's current schema and
// the supplied metadata. Republishing replaces the record and flushes every
// cache derived from the previous version in the same batch.
func (r *Registry) Publish(ctx context.Context, id string, def Definition, blobRef string) (*Published, error) {
	draft, err := r.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if blobRef == "" {
		verr := &ValidationError{}
		verr.Add("urlData", "is required")
		return nil, verr
	}

	var previousRef string
	if prev, err := r.GetPublished(ctx, id); err == nil {
		previousRef = prev.URLData
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tokens := make([]string, 0, len(def.ServiceTokens))
	for _, t := range def.ServiceTokens {
		if t != "" {
			tokens = append(tokens, HashServiceToken(t))
		}
	}

	pub := &Published{
		ID:              id,
		UserID:          draft.UserID,
		Title:           draft.Name,
		Description:     draft.Description,
		Inputs:          draft.Inputs,
		Outputs:         draft.Outputs,
		URLData:         blobRef,
		Created:         r.now().UTC().Truncate(time.Second),
		NeedsToken:      def.NeedsToken,
		Tokens:          tokens,
		AIDescription:   def.AIDescription,
		AIUsageExamples: def.AIUsageExamples,
		AITags:          def.AITags,
		Category:        def.Category,
		WebhookURL:      draft.WebhookURL,
		WebhookSecret:   draft.WebhookSecret,
	}
	fields, err := pub.toHash()
	if err != nil {
		return nil, err
	}

	err = r.store.Batch(ctx, func(tx store.Tx) {
		tx.Del(PublishedKey(id), DefinitionCacheKey(id), ResultCacheKey(id))
		tx.HSet(PublishedKey(id), fields)
		tx.HSet(userServicesKey(draft.UserID), map[string]string{id: StatusPublished})
		tx.SAdd(blobRefsKey(blobRef), id)
		if previousRef != "" && previousRef != blobRef {
			tx.SRem(blobRefsKey(previousRef), id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("publishing %s: %w", id, Upstream(err))
	}

	r.invalidate(id)
	if previousRef != "" && previousRef != blobRef {
		r.deleteBlob(ctx, id, previousRef)
	}

	r.logger.Info("service published", "service_id", id, "user_id", draft.UserID, "republish", previousRef != "")
	return pub, nil
}

// Unpublish removes the published record together with every cache entry
// derived from it in one atomic batch, then drops in-process handles and the
// definition blob. Blob deletion failures are logged only.
func (r *Registry) Unpublish(ctx context.Context, id string) error {
	pub, err := r.GetPublished(ctx, id)
	if err != nil {
		return err
	}

	err = r.store.Batch(ctx, func(tx store.Tx) {
		tx.Del(PublishedKey(id), DefinitionCacheKey(id), ResultCacheKey(id))
		tx.HSet(userServicesKey(pub.UserID), map[string]string{id: StatusDraft})
		tx.SRem(blobRefsKey(pub.URLData), id)
	})
	if err != nil {
		return fmt.Errorf("unpublishing %s: %w", id, Upstream(err))
	}

	r.invalidate(id)
	r.deleteBlob(ctx, id, pub.URLData)

	r.logger.Info("service unpublished", "service_id", id, "user_id", pub.UserID)
	return nil
}

// deleteBlob removes a definition blob once no published service refers to
// it. Identical uploads share one content-addressed key.
func (r *Registry) deleteBlob(ctx context.Context, id, ref string) {
	if r.blobs == nil || ref == "" {
		return
	}
	refs, err := r.store.SMembers(ctx, blobRefsKey(ref))
	if err != nil {
		r.logger.Warn("keeping definition blob, reference check failed", "service_id", id, "ref", ref, "error", err)
		return
	}
	if len(refs) > 0 {
		r.logger.Debug("definition blob still referenced", "service_id", id, "ref", ref, "services", len(refs))
		return
	}
	if err := r.blobs.Delete(ctx, ref); err != nil {
		r.logger.Warn("failed to delete definition blob", "service_id", id, "ref", ref, "error", err)
	}
}

// RecordUpload remembers that userID stored the blob at ref.
func (r *Registry) RecordUpload(ctx context.Context, userID, ref string) error {
	if err := r.store.SAdd(ctx, userUploadsKey(userID), ref); err != nil {
		return fmt.Errorf("recording upload for %s: %w", userID, Upstream(err))
	}
	return nil
}

// UploadedBy reports whether userID stored the blob at ref.
func (r *Registry) UploadedBy(ctx context.Context, userID, ref string) (bool, error) {
	refs, err := r.store.SMembers(ctx, userUploadsKey(userID))
	if err != nil {
		return false, fmt.Errorf("reading uploads for %s: %w", userID, Upstream(err))
	}
	for _, owned := range refs {
		if owned == ref {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes a draft. Published services must be unpublished first.
func (r *Registry) Delete(ctx context.Context, userID, id string) error {
	draft, err := r.GetDraft(ctx, id)
	if err != nil {
		return err
	}
	if draft.UserID != userID {
		return fmt.Errorf("service %s belongs to another user: %w", id, ErrForbidden)
	}

	published, err := r.IsPublished(ctx, id)
	if err != nil {
		return err
	}
	if published {
		return fmt.Errorf("service %s is published, unpublish first: %w", id, ErrConflict)
	}

	err = r.store.Batch(ctx, func(tx store.Tx) {
		tx.Del(draftKey(id))
		tx.HDel(userServicesKey(userID), id)
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, Upstream(err))
	}

	r.logger.Info("service deleted", "service_id", id, "user_id", userID)
	return nil
}

// ListServices returns the user's service ids mapped to draft or published.
func (r *Registry) ListServices(ctx context.Context, userID string) (map[string]string, error) {
	index, err := r.store.HGetAll(ctx, userServicesKey(userID))
	if err != nil {
		return nil, fmt.Errorf("listing services for %s: %w", userID, Upstream(err))
	}
	return index, nil
}

// ListPublished returns the user's published services ordered by id.
func (r *Registry) ListPublished(ctx context.Context, userID string) ([]*Published, error) {
	index, err := r.ListServices(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(index))
	for id, status := range index {
		if status == StatusPublished {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	services := make([]*Published, 0, len(ids))
	for _, id := range ids {
		pub, err := r.GetPublished(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index is ahead of an unpublish that raced this read
			continue
		}
		if err != nil {
			return nil, err
		}
		services = append(services, pub)
	}
	return services, nil
}
