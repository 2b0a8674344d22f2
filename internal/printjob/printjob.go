// ABOUTME: Print Job Store: short-lived print requests keyed by a random id
// ABOUTME: Expired jobs stay readable until swept; deletions leave a tombstone

package printjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/store"
)

const (
	// DefaultTTL is how long a job stays valid when the caller does not say.
	DefaultTTL = time.Hour

	// MaxTTL caps the requested lifetime.
	MaxTTL = 24 * time.Hour

	// grace keeps expired and deleted jobs distinguishable from unknown ids.
	grace = 24 * time.Hour
)

var (
	ErrExpired = errors.New("print job expired")
	ErrDeleted = errors.New("print job deleted")
)

// Statuses reported by GetStatus.
const (
	StatusOK       = "ok"
	StatusExpired  = "expired"
	StatusDeleted  = "deleted"
	StatusNotFound = "not_found"
)

// Job is a stored print request.
type Job struct {
	ID            string         `json:"jobId"`
	UserID        string         `json:"userId"`
	ServiceID     string         `json:"serviceId"`
	Inputs        map[string]any `json:"inputs"`
	PrintSettings map[string]any `json:"printSettings,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
}

// Status is the outcome of GetStatus.
type Status struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type tombstone struct {
	DeletedAt time.Time `json:"deletedAt"`
	UserID    string    `json:"userId"`
}

func jobKey(id string) string { return "printjob:" + id }

func tombstoneKey(id string) string { return "printjob:" + id + ":deleted" }

// Store persists print jobs in the KV store.
type Store struct {
	store  store.Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Store. ttl <= 0 uses DefaultTTL.
func New(s store.Store, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:  s,
		logger: logger.With("component", "printjobs"),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Create stores job under a new id. lifetime <= 0 uses the store default.
func (s *Store) Create(ctx context.Context, job *Job, lifetime time.Duration) (*Job, error) {
	verr := &service.ValidationError{}
	if job.UserID == "" {
		verr.Add("userId", "is required")
	}
	if job.ServiceID == "" {
		verr.Add("serviceId", "is required")
	}
	if lifetime > MaxTTL {
		verr.Add("ttl", "must not exceed %s", MaxTTL)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if lifetime <= 0 {
		lifetime = s.ttl
	}

	now := s.now().UTC()
	stored := *job
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(lifetime)
	if stored.Inputs == nil {
		stored.Inputs = map[string]any{}
	}

	raw, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encoding print job: %w", err)
	}
	if err := s.store.Set(ctx, jobKey(stored.ID), raw, lifetime+grace); err != nil {
		return nil, fmt.Errorf("storing print job: %w", service.Upstream(err))
	}

	s.logger.Debug("print job created", "job_id", stored.ID, "service_id", stored.ServiceID)
	return &stored, nil
}

// Get returns a live job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.now().After(job.ExpiresAt) {
		return nil, fmt.Errorf("print job %s: %w", id, ErrExpired)
	}
	return job, nil
}

// GetStatus reports the job's state without treating terminal states as errors.
func (s *Store) GetStatus(ctx context.Context, id string) (*Status, error) {
	job, err := s.load(ctx, id)
	switch {
	case errors.Is(err, ErrDeleted):
		return &Status{Status: StatusDeleted}, nil
	case errors.Is(err, service.ErrNotFound):
		return &Status{Status: StatusNotFound}, nil
	case err != nil:
		return nil, err
	}

	expires := job.ExpiresAt
	if s.now().After(expires) {
		return &Status{Status: StatusExpired, ExpiresAt: &expires}, nil
	}
	return &Status{Status: StatusOK, ExpiresAt: &expires}, nil
}

// Delete removes a job owned by userID and leaves a tombstone.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	job, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return fmt.Errorf("print job %s belongs to another user: %w", id, service.ErrForbidden)
	}

	raw, err := json.Marshal(tombstone{DeletedAt: s.now().UTC(), UserID: userID})
	if err != nil {
		return fmt.Errorf("encoding tombstone: %w", err)
	}
	ttl := job.ExpiresAt.Sub(s.now()) + grace
	if ttl < grace {
		ttl = grace
	}

	err = s.store.Batch(ctx, func(tx store.Tx) {
		tx.Set(tombstoneKey(id), raw, ttl)
		tx.Del(jobKey(id))
	})
	if err != nil {
		return fmt.Errorf("deleting print job: %w", service.Upstream(err))
	}

	s.logger.Debug("print job deleted", "job_id", id)
	return nil
}

func (s *Store) load(ctx context.Context, id string) (*Job, error) {
	raw, err := s.store.Get(ctx, jobKey(id))
	if errors.Is(err, store.ErrNotFound) {
		deleted, err := s.store.Exists(ctx, tombstoneKey(id))
		if err != nil {
			return nil, fmt.Errorf("reading print job: %w", service.Upstream(err))
		}
		if deleted {
			return nil, fmt.Errorf("print job %s: %w", id, ErrDeleted)
		}
		return nil, fmt.Errorf("print job %s: %w", id, service.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading print job: %w", service.Upstream(err))
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding print job %s: %w", id, err)
	}
	return &job, nil
}
