package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngineServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	deletes := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workbooks", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{"id": "wb-1", "size": len(body) * 10})
	})
	mux.HandleFunc("POST /workbooks/{id}/evaluate", func(w http.ResponseWriter, r *http.Request) {
		var ev Evaluation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		if _, bad := ev.Inputs["bad"]; bad {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{"error": Error{Code: "#DIV/0!", Message: "division by zero", Detail: "Sheet1!B4"}})
			return
		}
		outputs := map[string]any{}
		for _, name := range ev.Outputs {
			outputs[name] = ev.Inputs["x"]
		}
		json.NewEncoder(w).Encode(map[string]any{"outputs": outputs})
	})
	mux.HandleFunc("DELETE /workbooks/{id}", func(w http.ResponseWriter, r *http.Request) {
		deletes++
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &deletes
}

func TestHTTPEngine_OpenEvaluateClose(t *testing.T) {
	srv, deletes := newEngineServer(t)
	e := NewHTTPEngine(srv.URL+"/", time.Second)
	ctx := context.Background()

	wb, err := e.Open(ctx, []byte("definition"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), wb.Size())

	out, err := wb.Evaluate(ctx, Evaluation{Inputs: map[string]any{"x": 3.0}, Outputs: []string{"y"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"y": 3.0}, out)

	require.NoError(t, wb.Close())
	assert.Equal(t, 1, *deletes)
}

func TestHTTPEngine_EngineErrorKeepsDetail(t *testing.T) {
	srv, _ := newEngineServer(t)
	e := NewHTTPEngine(srv.URL, time.Second)
	ctx := context.Background()

	wb, err := e.Open(ctx, []byte("definition"))
	require.NoError(t, err)

	_, err = wb.Evaluate(ctx, Evaluation{Inputs: map[string]any{"bad": true}})
	var engErr *Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "#DIV/0!", engErr.Code)
	assert.Equal(t, "Sheet1!B4", engErr.Detail)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestHTTPEngine_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPEngine(srv.URL, time.Second).Open(context.Background(), []byte("d"))
	require.Error(t, err)

	var engErr *Error
	assert.False(t, errors.As(err, &engErr))
	assert.Contains(t, err.Error(), "503")
}

func TestFake_DetectsOverlap(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	f := NewFake(func(_ []byte, _ Evaluation) (map[string]any, error) {
		arrived.Done()
		arrived.Wait()
		return map[string]any{}, nil
	})
	wb, err := f.Open(context.Background(), []byte("d"))
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			wb.Evaluate(context.Background(), Evaluation{})
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	assert.True(t, f.Overlapped())
	assert.Equal(t, int64(2), f.Evaluations())
}

func TestSumEval(t *testing.T) {
	out, err := SumEval(nil, Evaluation{
		Inputs:      map[string]any{"a": 2.0, "b": 3.0, "label": "x"},
		AreaUpdates: []AreaUpdate{{Area: "rates", Cells: []CellUpdate{{Row: 0, Col: 0, Value: 1}}}},
		Outputs:     []string{"total", "label", "cellsUpdated", "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 5.0, "label": "x", "cellsUpdated": 1}, out)
}
