// ABOUTME: JSON request bodies for the HTTP API and their struct-tag validation
// ABOUTME: Validator failures are converted into the service ValidationError taxonomy

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/airrange-io/spreadapi-gateway/internal/engine"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// ExecuteRequest is the body of POST /api/v1/services/{id}/execute.
type ExecuteRequest struct {
	Inputs      map[string]any    `json:"inputs"`
	AreaUpdates []AreaUpdateInput `json:"areaUpdates" validate:"max=50,dive"`
	NoCache     bool              `json:"nocache"`
}

// AreaUpdateInput overrides cells of one named area.
type AreaUpdateInput struct {
	Area  string      `json:"area" validate:"required,max=255"`
	Cells []CellInput `json:"cells" validate:"required,max=10000,dive"`
}

// CellInput is one cell override, relative to the area origin.
type CellInput struct {
	Row     int    `json:"row" validate:"gte=0"`
	Col     int    `json:"col" validate:"gte=0"`
	Value   any    `json:"value,omitempty"`
	Formula string `json:"formula,omitempty" validate:"max=8192"`
}

func (r *ExecuteRequest) areaUpdates() []engine.AreaUpdate {
	if len(r.AreaUpdates) == 0 {
		return nil
	}
	out := make([]engine.AreaUpdate, len(r.AreaUpdates))
	for i, a := range r.AreaUpdates {
		cells := make([]engine.CellUpdate, len(a.Cells))
		for j, c := range a.Cells {
			cells[j] = engine.CellUpdate{Row: c.Row, Col: c.Col, Value: c.Value, Formula: c.Formula}
		}
		out[i] = engine.AreaUpdate{Area: a.Area, Cells: cells}
	}
	return out
}

// PrewarmRequest is the optional body of POST /api/v1/services/{id}/prewarm.
type PrewarmRequest struct {
	ForceRefresh bool `json:"forceRefresh"`
}

// SaveDraftRequest is the body of PUT /api/services/{id}.
type SaveDraftRequest struct {
	Name          string           `json:"name" validate:"required,max=200"`
	Description   string           `json:"description" validate:"max=10000"`
	Inputs        []service.Input  `json:"inputs" validate:"max=200"`
	Outputs       []service.Output `json:"outputs" validate:"max=200"`
	WebhookURL    string           `json:"webhookUrl" validate:"omitempty,url,max=2048"`
	WebhookSecret string           `json:"webhookSecret" validate:"max=256"`
	WebAppEnabled bool             `json:"webAppEnabled"`
	WebAppToken   string           `json:"webAppToken" validate:"max=256"`
}

// PublishRequest is the body of POST /api/services/{id}/publish.
type PublishRequest struct {
	URLData         string   `json:"urlData" validate:"required,max=2048"`
	AIDescription   string   `json:"aiDescription" validate:"max=4000"`
	AIUsageExamples []string `json:"aiUsageExamples" validate:"max=20,dive,max=500"`
	AITags          []string `json:"aiTags" validate:"max=20,dive,max=50"`
	Category        string   `json:"category" validate:"max=100"`
	NeedsToken      bool     `json:"needsToken"`
	ServiceTokens   []string `json:"serviceTokens" validate:"max=10,dive,min=16,max=256"`
}

// CreateTokenRequest is the body of POST /api/tokens.
type CreateTokenRequest struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=500"`
	ServiceIDs  []string `json:"serviceIds" validate:"max=100,dive,required"`
}

// CreatePrintJobRequest is the body of POST /api/print-jobs.
type CreatePrintJobRequest struct {
	ServiceID     string         `json:"serviceId" validate:"required"`
	Inputs        map[string]any `json:"inputs"`
	PrintSettings map[string]any `json:"printSettings"`
	Metadata      map[string]any `json:"metadata"`
	ExpiresIn     int            `json:"expiresIn" validate:"gte=0,lte=86400"` // seconds
}

// newValidator reports violations by JSON field name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set and leaves dst at its zero value.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			verr := &service.ValidationError{}
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				verr.Add("body", "exceeds %d bytes", maxErr.Limit)
			} else {
				verr.Add("body", "invalid JSON: %v", err)
			}
			return verr
		}
	}

	return validationError(g.validate.Struct(dst))
}

// validationError converts validator output to a *service.ValidationError.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validating request: %w", err)
	}

	verr := &service.ValidationError{}
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		verr.Add(field, "%s", ruleMessage(fe))
	}
	return verr.OrNil()
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
