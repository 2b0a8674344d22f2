// ABOUTME: Management API for signed-in users: drafts, publishing, tokens and print jobs
// ABOUTME: Every handler runs behind the dashboard JWT middleware

package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/airrange-io/spreadapi-gateway/internal/auth"
	"github.com/airrange-io/spreadapi-gateway/internal/blob"
	"github.com/airrange-io/spreadapi-gateway/internal/printjob"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

// ServiceSummary is one row of GET /api/services.
type ServiceSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateTokenResponse carries the secret, shown exactly once.
type CreateTokenResponse struct {
	Secret string `json:"token"`
	*auth.Token
}

// UploadResponse is returned by POST /api/definitions.
type UploadResponse struct {
	URLData string `json:"urlData"`
	Size    int    `json:"size"`
}

func userID(r *http.Request) string {
	return auth.MustFromContext(r.Context()).UserID
}

// ownDraft loads a draft and checks that the caller owns it.
func (g *Gateway) ownDraft(r *http.Request, id string) (*service.Draft, error) {
	d, err := g.registry.GetDraft(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID(r) {
		return nil, fmt.Errorf("service %s belongs to another user: %w", id, service.ErrForbidden)
	}
	return d, nil
}

// handleListServices handles GET /api/services.
func (g *Gateway) handleListServices(w http.ResponseWriter, r *http.Request) {
	index, err := g.registry.ListServices(r.Context(), userID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	list := make([]ServiceSummary, 0, len(index))
	for id, status := range index {
		d, err := g.registry.GetDraft(r.Context(), id)
		if errors.Is(err, service.ErrNotFound) {
			continue
		}
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		list = append(list, ServiceSummary{ID: id, Name: d.Name, Status: status, UpdatedAt: d.UpdatedAt})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })

	writeJSON(w, http.StatusOK, map[string]any{"services": list})
}

// handleGetDraft handles GET /api/services/{id}.
func (g *Gateway) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	d, err := g.ownDraft(r, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleSaveDraft handles PUT /api/services/{id}.
func (g *Gateway) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var body SaveDraftRequest
	if err := g.decode(w, r, &body, false); err != nil {
		g.writeError(w, r, err)
		return
	}

	d := &service.Draft{
		ID:            r.PathValue("id"),
		UserID:        userID(r),
		Name:          body.Name,
		Description:   body.Description,
		Inputs:        body.Inputs,
		Outputs:       body.Outputs,
		WebhookURL:    body.WebhookURL,
		WebhookSecret: body.WebhookSecret,
		WebAppEnabled: body.WebAppEnabled,
		WebAppToken:   body.WebAppToken,
	}
	if err := g.registry.SaveDraft(r.Context(), d); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handlePublish handles POST /api/services/{id}/publish.
func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.ownDraft(r, id); err != nil {
		g.writeError(w, r, err)
		return
	}

	var body PublishRequest
	if err := g.decode(w, r, &body, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	if blob.IsKey(body.URLData) {
		owned, err := g.registry.UploadedBy(r.Context(), userID(r), body.URLData)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		if !owned {
			g.writeError(w, r, fmt.Errorf("definition %s was not uploaded by this user: %w", body.URLData, service.ErrForbidden))
			return
		}
	}

	pub, err := g.registry.Publish(r.Context(), id, service.Definition{
		AIDescription:   body.AIDescription,
		AIUsageExamples: body.AIUsageExamples,
		AITags:          body.AITags,
		Category:        body.Category,
		NeedsToken:      body.NeedsToken,
		ServiceTokens:   body.ServiceTokens,
	}, body.URLData)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":        pub.ID,
		"status":    service.StatusPublished,
		"published": pub.Created,
	})
}

// handleUnpublish handles POST /api/services/{id}/unpublish.
func (g *Gateway) handleUnpublish(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.ownDraft(r, id); err != nil {
		g.writeError(w, r, err)
		return
	}
	if err := g.registry.Unpublish(r.Context(), id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": service.StatusDraft})
}

// handleDeleteService handles DELETE /api/services/{id}.
func (g *Gateway) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := g.registry.Delete(r.Context(), userID(r), r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadDefinition handles POST /api/definitions. The raw body is
// stored content-addressed and its key is returned for use as urlData.
func (g *Gateway) handleUploadDefinition(w http.ResponseWriter, r *http.Request) {
	if g.blobs == nil {
		g.writeError(w, r, fmt.Errorf("no blob store configured: %w", service.ErrConflict))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, blob.MaxBlobBytes))
	if err != nil {
		verr := &service.ValidationError{}
		verr.Add("body", "%v", err)
		g.writeError(w, r, verr)
		return
	}
	if len(data) == 0 {
		verr := &service.ValidationError{}
		verr.Add("body", "is empty")
		g.writeError(w, r, verr)
		return
	}

	key, err := g.blobs.Put(r.Context(), data)
	if err != nil {
		g.writeError(w, r, fmt.Errorf("storing definition: %w", service.Upstream(err)))
		return
	}
	if err := g.registry.RecordUpload(r.Context(), userID(r), key); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{URLData: key, Size: len(data)})
}

// handleCreateToken handles POST /api/tokens.
func (g *Gateway) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var body CreateTokenRequest
	if err := g.decode(w, r, &body, false); err != nil {
		g.writeError(w, r, err)
		return
	}

	secret, tok, err := g.tokens.Create(r.Context(), userID(r), body.Name, body.Description, body.ServiceIDs)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateTokenResponse{Secret: secret, Token: tok})
}

// handleListTokens handles GET /api/tokens.
func (g *Gateway) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := g.tokens.List(r.Context(), userID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

// handleRevokeToken handles DELETE /api/tokens/{id}.
func (g *Gateway) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := g.tokens.Revoke(r.Context(), userID(r), r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreatePrintJob handles POST /api/print-jobs. The caller must own the
// published service.
func (g *Gateway) handleCreatePrintJob(w http.ResponseWriter, r *http.Request) {
	var body CreatePrintJobRequest
	if err := g.decode(w, r, &body, false); err != nil {
		g.writeError(w, r, err)
		return
	}

	pub, err := g.registry.GetPublished(r.Context(), body.ServiceID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if pub.UserID != userID(r) {
		g.writeError(w, r, fmt.Errorf("service %s belongs to another user: %w", pub.ID, service.ErrForbidden))
		return
	}

	job, err := g.printJobs.Create(r.Context(), &printjob.Job{
		UserID:        userID(r),
		ServiceID:     body.ServiceID,
		Inputs:        body.Inputs,
		PrintSettings: body.PrintSettings,
		Metadata:      body.Metadata,
	}, time.Duration(body.ExpiresIn)*time.Second)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleGetPrintJob handles GET /api/print-jobs/{id}. The unguessable job id
// is the capability, so no credentials are required.
func (g *Gateway) handleGetPrintJob(w http.ResponseWriter, r *http.Request) {
	job, err := g.printJobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handlePrintJobStatus handles GET /api/print-jobs/{id}/status.
func (g *Gateway) handlePrintJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := g.printJobs.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeletePrintJob handles DELETE /api/print-jobs/{id}.
func (g *Gateway) handleDeletePrintJob(w http.ResponseWriter, r *http.Request) {
	if err := g.printJobs.Delete(r.Context(), userID(r), r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
