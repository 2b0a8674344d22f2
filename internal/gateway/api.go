// ABOUTME: Public service API: execute, prewarm and service info
// ABOUTME: Callers authenticate with optional bearer service tokens

package gateway

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/airrange-io/spreadapi-gateway/internal/auth"
	"github.com/airrange-io/spreadapi-gateway/internal/calc"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

// ServiceInfo is the public description of a published service.
type ServiceInfo struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	DescriptionHTML string           `json:"descriptionHtml,omitempty"`
	Inputs          []service.Input  `json:"inputs"`
	Outputs         []service.Output `json:"outputs"`
	NeedsToken      bool             `json:"needsToken"`
	Category        string           `json:"category,omitempty"`
	AIDescription   string           `json:"aiDescription,omitempty"`
	AIUsageExamples []string         `json:"aiUsageExamples,omitempty"`
	AITags          []string         `json:"aiTags,omitempty"`
	Published       time.Time        `json:"published"`
}

// callerRequest fills the credentials of a calculation from the request context.
func callerRequest(r *http.Request, req calc.Request) calc.Request {
	if ac := auth.FromContext(r.Context()); ac != nil {
		req.Principal = ac.Principal
		req.ServiceToken = ac.RawBearer
	}
	return req
}

// handleExecute handles POST /api/v1/services/{id}/execute.
func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if err := g.decode(w, r, &body, false); err != nil {
		g.writeError(w, r, err)
		return
	}

	g.execute(w, r, calc.Request{
		ServiceID:   r.PathValue("id"),
		Inputs:      body.Inputs,
		AreaUpdates: body.areaUpdates(),
		Options:     calc.Options{NoCache: body.NoCache},
	})
}

// handleExecuteQuery handles GET /api/v1/services/{id}/execute, taking
// inputs from the query string. "nocache" is reserved.
func (g *Gateway) handleExecuteQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	noCache, _ := strconv.ParseBool(q.Get("nocache"))
	q.Del("nocache")

	inputs := make(map[string]any, len(q))
	for name := range q {
		inputs[name] = q.Get(name)
	}

	g.execute(w, r, calc.Request{
		ServiceID: r.PathValue("id"),
		Inputs:    inputs,
		Options:   calc.Options{NoCache: noCache},
	})
}

func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, req calc.Request) {
	res, err := g.executor.Execute(r.Context(), callerRequest(r, req))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePrewarm handles POST /api/v1/services/{id}/prewarm.
func (g *Gateway) handlePrewarm(w http.ResponseWriter, r *http.Request) {
	var body PrewarmRequest
	if err := g.decode(w, r, &body, true); err != nil {
		g.writeError(w, r, err)
		return
	}

	res, err := g.executor.Prewarm(r.Context(), r.PathValue("id"), body.ForceRefresh)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleServiceInfo handles GET /api/v1/services/{id}.
func (g *Gateway) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	pub, err := g.registry.GetPublished(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ServiceInfo{
		ID:              pub.ID,
		Title:           pub.Title,
		Description:     pub.Description,
		DescriptionHTML: g.renderMarkdown(pub.Description),
		Inputs:          pub.Inputs,
		Outputs:         pub.Outputs,
		NeedsToken:      pub.NeedsToken,
		Category:        pub.Category,
		AIDescription:   pub.AIDescription,
		AIUsageExamples: pub.AIUsageExamples,
		AITags:          pub.AITags,
		Published:       pub.Created,
	})
}

// renderMarkdown converts a service description to HTML. Raw HTML in the
// source is dropped by the renderer.
func (g *Gateway) renderMarkdown(src string) string {
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(src), &buf); err != nil {
		g.logger.Warn("rendering description failed", "error", err)
		return ""
	}
	return buf.String()
}
