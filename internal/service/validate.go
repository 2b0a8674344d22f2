// ABOUTME: Input validation against a published service's declared schema
// ABOUTME: Collects every violation into one ValidationError

package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValidateInputs checks raw inputs against the declared inputs and returns
// the normalized values to evaluate with. Undeclared keys are dropped,
// defaults fill missing optional inputs, and numbers and booleans given as
// strings are converted.
func (p *Published) ValidateInputs(raw map[string]any) (map[string]any, error) {
	verr := &ValidationError{}
	out := make(map[string]any, len(p.Inputs))

	for _, in := range p.Inputs {
		v, present := lookupInput(raw, in.Name)
		if !present || v == nil || v == "" {
			if in.Default != nil {
				out[in.Name] = in.Default
				continue
			}
			if in.Mandatory {
				verr.Add(in.Name, "is required")
			}
			continue
		}

		switch in.Type {
		case TypeNumber:
			n, ok := toNumber(v)
			if !ok {
				verr.Add(in.Name, "must be a number")
				continue
			}
			if in.Min != nil && n < *in.Min {
				verr.Add(in.Name, "must be >= %s", formatNumber(*in.Min))
				continue
			}
			if in.Max != nil && n > *in.Max {
				verr.Add(in.Name, "must be <= %s", formatNumber(*in.Max))
				continue
			}
			out[in.Name] = n
		case TypeBoolean:
			b, ok := toBool(v)
			if !ok {
				verr.Add(in.Name, "must be a boolean")
				continue
			}
			out[in.Name] = b
		default:
			switch s := v.(type) {
			case string:
				out[in.Name] = s
			case map[string]any, []any:
				verr.Add(in.Name, "must be a scalar value")
			default:
				out[in.Name] = fmt.Sprint(s)
			}
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// lookupInput matches exact names first, then case-insensitively.
func lookupInput(raw map[string]any, name string) (any, bool) {
	if v, ok := raw[name]; ok {
		return v, true
	}
	for k, v := range raw {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func toNumber(v any) (float64, bool) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	case float64:
		return x != 0, x == 0 || x == 1
	default:
		return false, false
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// validateSchema checks a draft's declared inputs and outputs.
func validateSchema(d *Draft) error {
	verr := &ValidationError{}
	if d.ID == "" {
		verr.Add("id", "is required")
	}
	if d.UserID == "" {
		verr.Add("userId", "is required")
	}

	seen := make(map[string]bool)
	for i, in := range d.Inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		switch {
		case in.Name == "":
			verr.Add(field, "name is required")
		case seen[in.Name]:
			verr.Add(field, "duplicate name %q", in.Name)
		}
		seen[in.Name] = true

		switch in.Type {
		case TypeNumber, TypeString, TypeBoolean:
		default:
			verr.Add(field, "unknown type %q", in.Type)
		}
		if in.Min != nil && in.Max != nil && *in.Min > *in.Max {
			verr.Add(field, "min is greater than max")
		}
	}

	seen = make(map[string]bool)
	for i, out := range d.Outputs {
		field := fmt.Sprintf("outputs[%d]", i)
		switch {
		case out.Name == "":
			verr.Add(field, "name is required")
		case seen[out.Name]:
			verr.Add(field, "duplicate name %q", out.Name)
		}
		seen[out.Name] = true
	}
	return verr.OrNil()
}
