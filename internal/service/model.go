// ABOUTME: Service data model: drafts, published records and their input/output schema
// ABOUTME: Includes store key layout and hash-record encoding

package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Input types
const (
	TypeNumber  = "number"
	TypeString  = "string"
	TypeBoolean = "boolean"
)

// Service index statuses
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Input declares one named input of a service.
type Input struct {
	Name        string   `json:"name"`
	Title       string   `json:"title,omitempty"`
	Type        string   `json:"type"`
	Mandatory   bool     `json:"mandatory"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Output declares one named output of a service.
type Output struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Draft is the editable copy of a service.
type Draft struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Inputs        []Input   `json:"inputs"`
	Outputs       []Output  `json:"outputs"`
	WebhookURL    string    `json:"webhookUrl,omitempty"`
	WebhookSecret string    `json:"webhookSecret,omitempty"`
	WebAppEnabled bool      `json:"webAppEnabled"`
	WebAppToken   string    `json:"webAppToken,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Published is the immutable serving copy of a service. Webhook settings are
// copied from the draft at publish time.
type Published struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Inputs          []Input   `json:"inputs"`
	Outputs         []Output  `json:"outputs"`
	URLData         string    `json:"urlData"`
	Created         time.Time `json:"created"`
	NeedsToken      bool      `json:"needsToken"`
	Tokens          []string  `json:"tokens,omitempty"`
	AIDescription   string    `json:"aiDescription,omitempty"`
	AIUsageExamples []string  `json:"aiUsageExamples,omitempty"`
	AITags          []string  `json:"aiTags,omitempty"`
	Category        string    `json:"category,omitempty"`
	WebhookURL      string    `json:"webhookUrl,omitempty"`
	WebhookSecret   string    `json:"webhookSecret,omitempty"`
}

// Version identifies the published revision; it changes on every publish.
func (p *Published) Version() string {
	return p.Created.UTC().Format(time.RFC3339) + "|" + p.URLData
}

// Value is one computed output in declared order.
type Value struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Title string `json:"title,omitempty"`
}

// Definition is the publish-time metadata supplied alongside the blob pointer.
type Definition struct {
	AIDescription   string
	AIUsageExamples []string
	AITags          []string
	Category        string
	NeedsToken      bool

	// ServiceTokens are static access keys accepted for this service in
	// addition to authority tokens. Only their hashes are stored.
	ServiceTokens []string
}

// AcceptsServiceToken reports whether secret is one of the service's static keys.
func (p *Published) AcceptsServiceToken(secret string) bool {
	if secret == "" {
		return false
	}
	h := HashServiceToken(secret)
	for _, t := range p.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(h)) == 1 {
			return true
		}
	}
	return false
}

// HashServiceToken returns the stored form of a static service key.
func HashServiceToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Store key layout
func draftKey(id string) string { return "service:" + id }

func userServicesKey(uid string) string { return "user:" + uid + ":services" }

// PublishedKey is the store key of a service's published record.
func PublishedKey(id string) string { return "service:" + id + ":published" }

// DefinitionCacheKey is the store key of a service's cached API definition.
func DefinitionCacheKey(id string) string { return "cache:api:" + id }

// ResultCacheKey is the store hash holding every cached result of a service.
func ResultCacheKey(id string) string { return "cache:results:" + id }

// blobRefsKey is the set of published services referencing a definition blob.
func blobRefsKey(ref string) string { return "blob:" + ref + ":services" }

// userUploadsKey is the set of blob refs a user has uploaded.
func userUploadsKey(uid string) string { return "user:" + uid + ":uploads" }

func (d *Draft) toHash() (map[string]string, error) {
	inputs, err := json.Marshal(nonNilInputs(d.Inputs))
	if err != nil {
		return nil, fmt.Errorf("encoding inputs: %w", err)
	}
	outputs, err := json.Marshal(nonNilOutputs(d.Outputs))
	if err != nil {
		return nil, fmt.Errorf("encoding outputs: %w", err)
	}
	return map[string]string{
		"userId":        d.UserID,
		"name":          d.Name,
		"description":   d.Description,
		"inputs":        string(inputs),
		"outputs":       string(outputs),
		"webhookUrl":    d.WebhookURL,
		"webhookSecret": d.WebhookSecret,
		"webAppEnabled": strconv.FormatBool(d.WebAppEnabled),
		"webAppToken":   d.WebAppToken,
		"updatedAt":     d.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func draftFromHash(id string, h map[string]string) (*Draft, error) {
	d := &Draft{
		ID:            id,
		UserID:        h["userId"],
		Name:          h["name"],
		Description:   h["description"],
		WebhookURL:    h["webhookUrl"],
		WebhookSecret: h["webhookSecret"],
		WebAppEnabled: h["webAppEnabled"] == "true",
		WebAppToken:   h["webAppToken"],
	}
	if err := unmarshalField(h, "inputs", &d.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalField(h, "outputs", &d.Outputs); err != nil {
		return nil, err
	}
	if v := h["updatedAt"]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parsing updatedAt: %w", err)
		}
		d.UpdatedAt = t
	}
	return d, nil
}

func (p *Published) toHash() (map[string]string, error) {
	fields := map[string]string{
		"userId":        p.UserID,
		"title":         p.Title,
		"description":   p.Description,
		"urlData":       p.URLData,
		"created":       p.Created.UTC().Format(time.RFC3339),
		"needsToken":    strconv.FormatBool(p.NeedsToken),
		"tokens":        strings.Join(p.Tokens, ","),
		"aiDescription": p.AIDescription,
		"category":      p.Category,
		"webhookUrl":    p.WebhookURL,
		"webhookSecret": p.WebhookSecret,
	}
	for name, v := range map[string]any{
		"inputs":          nonNilInputs(p.Inputs),
		"outputs":         nonNilOutputs(p.Outputs),
		"aiUsageExamples": nonNilStrings(p.AIUsageExamples),
		"aiTags":          nonNilStrings(p.AITags),
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", name, err)
		}
		fields[name] = string(b)
	}
	return fields, nil
}

func publishedFromHash(id string, h map[string]string) (*Published, error) {
	p := &Published{
		ID:            id,
		UserID:        h["userId"],
		Title:         h["title"],
		Description:   h["description"],
		URLData:       h["urlData"],
		NeedsToken:    h["needsToken"] == "true",
		AIDescription: h["aiDescription"],
		Category:      h["category"],
		WebhookURL:    h["webhookUrl"],
		WebhookSecret: h["webhookSecret"],
	}
	if t := h["tokens"]; t != "" {
		p.Tokens = strings.Split(t, ",")
	}
	for name, dst := range map[string]any{
		"inputs":          &p.Inputs,
		"outputs":         &p.Outputs,
		"aiUsageExamples": &p.AIUsageExamples,
		"aiTags":          &p.AITags,
	} {
		if err := unmarshalField(h, name, dst); err != nil {
			return nil, err
		}
	}
	if v := h["created"]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parsing created: %w", err)
		}
		p.Created = t
	}
	return p, nil
}

func unmarshalField(h map[string]string, name string, dst any) error {
	raw := h[name]
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

func nonNilInputs(in []Input) []Input {
	if in == nil {
		return []Input{}
	}
	return in
}

func nonNilOutputs(out []Output) []Output {
	if out == nil {
		return []Output{}
	}
	return out
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
