// ABOUTME: Contract for the external spreadsheet calculation engine
// ABOUTME: Workbook handles, evaluations, area updates and engine-reported errors

package engine

import (
	"context"
	"fmt"
)

// Engine turns a serialized workbook definition into a ready-to-evaluate handle.
type Engine interface {
	Open(ctx context.Context, definition []byte) (Workbook, error)
}

// Workbook is a loaded spreadsheet. Handles are expensive to build and are
// not safe for concurrent evaluation; callers serialize Evaluate per handle.
type Workbook interface {
	// Evaluate sets the named inputs, applies area updates, recalculates and
	// returns the requested outputs by name.
	Evaluate(ctx context.Context, ev Evaluation) (map[string]any, error)

	// Size is the approximate memory held by the handle, in bytes.
	Size() int64

	Close() error
}

// Evaluation is one calculation request against a workbook.
type Evaluation struct {
	Inputs      map[string]any `json:"inputs"`
	AreaUpdates []AreaUpdate   `json:"areaUpdates,omitempty"`
	Outputs     []string       `json:"outputs"`
}

// AreaUpdate overrides cells of a named area before evaluation.
type AreaUpdate struct {
	Area  string       `json:"area"`
	Cells []CellUpdate `json:"cells"`
}

// CellUpdate sets one cell relative to the area's top-left corner. Formula
// takes precedence over Value when set.
type CellUpdate struct {
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	Value   any    `json:"value,omitempty"`
	Formula string `json:"formula,omitempty"`
}

// Error is a fault reported by the engine itself, such as a formula error.
// Engine errors are deterministic and are never retried.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("engine error %s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("engine error %s: %s", e.Code, e.Message)
}
