// ABOUTME: In-process fake engine for tests of the calculation pipeline
// ABOUTME: Counts opens and evaluations and detects concurrent use of a handle

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// EvalFunc computes outputs for a fake workbook.
type EvalFunc func(definition []byte, ev Evaluation) (map[string]any, error)

// Fake is an Engine whose workbooks evaluate with a Go function.
type Fake struct {
	Eval      EvalFunc
	OpenDelay time.Duration
	EvalDelay time.Duration

	mu      sync.Mutex
	openErr error

	opens   atomic.Int64
	evals   atomic.Int64
	closes  atomic.Int64
	overlap atomic.Bool
}

// NewFake creates a fake engine. A nil fn uses SumEval.
func NewFake(fn EvalFunc) *Fake {
	if fn == nil {
		fn = SumEval
	}
	return &Fake{Eval: fn}
}

// FailOpen makes subsequent Open calls return err; nil restores success.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *Fake) Open(ctx context.Context, definition []byte) (Workbook, error) {
	if f.OpenDelay > 0 {
		time.Sleep(f.OpenDelay)
	}
	f.mu.Lock()
	err := f.openErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f.opens.Add(1)
	return &fakeWorkbook{engine: f, definition: append([]byte(nil), definition...)}, nil
}

// Opens returns how many workbooks were opened.
func (f *Fake) Opens() int64 { return f.opens.Load() }

// Evaluations returns how many evaluations ran.
func (f *Fake) Evaluations() int64 { return f.evals.Load() }

// Closes returns how many workbooks were closed.
func (f *Fake) Closes() int64 { return f.closes.Load() }

// Overlapped reports whether any handle was ever evaluated concurrently.
func (f *Fake) Overlapped() bool { return f.overlap.Load() }

type fakeWorkbook struct {
	engine     *Fake
	definition []byte
	active     atomic.Int32
	closed     atomic.Bool
}

func (w *fakeWorkbook) Evaluate(ctx context.Context, ev Evaluation) (map[string]any, error) {
	if w.closed.Load() {
		return nil, errors.New("workbook closed")
	}
	if w.active.Add(1) > 1 {
		w.engine.overlap.Store(true)
	}
	defer w.active.Add(-1)

	w.engine.evals.Add(1)
	if w.engine.EvalDelay > 0 {
		time.Sleep(w.engine.EvalDelay)
	}
	return w.engine.Eval(w.definition, ev)
}

func (w *fakeWorkbook) Size() int64 { return int64(len(w.definition)) }

func (w *fakeWorkbook) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		w.engine.closes.Add(1)
	}
	return nil
}

// SumEval answers "total" with the sum of the numeric inputs, "cellsUpdated"
// with the number of overridden cells, and any other requested output with
// the input of the same name.
func SumEval(_ []byte, ev Evaluation) (map[string]any, error) {
	var total float64
	for _, v := range ev.Inputs {
		switch n := v.(type) {
		case float64:
			total += n
		case int:
			total += float64(n)
		}
	}
	cells := 0
	for _, a := range ev.AreaUpdates {
		cells += len(a.Cells)
	}

	out := make(map[string]any, len(ev.Outputs))
	for _, name := range ev.Outputs {
		switch name {
		case "total":
			out[name] = total
		case "cellsUpdated":
			out[name] = cells
		default:
			if v, ok := ev.Inputs[name]; ok {
				out[name] = v
			}
		}
	}
	return out, nil
}

var (
	_ Engine   = (*Fake)(nil)
	_ Engine   = (*HTTPEngine)(nil)
	_ Workbook = (*fakeWorkbook)(nil)
)
