package blob

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor_IsContentAddressed(t *testing.T) {
	a := KeyFor([]byte(`{"sheets":1}`))
	b := KeyFor([]byte(`{"sheets":1}`))
	c := KeyFor([]byte(`{"sheets":2}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, KeyPrefix))
	assert.Len(t, a, len(KeyPrefix)+64)
	assert.True(t, IsKey(a))
	assert.False(t, IsKey("https://example.com/def.json"))
}

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	key, err := m.Put(ctx, []byte("workbook"))
	require.NoError(t, err)

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "workbook", string(got))
	assert.Equal(t, int64(1), m.Gets())

	require.NoError(t, m.Delete(ctx, key))
	_, err = m.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.Has(key))
}

func TestLoader_LoadsKeysFromStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	key, err := m.Put(ctx, []byte("def"))
	require.NoError(t, err)

	l := NewLoader(m, nil)
	got, err := l.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "def", string(got))

	require.NoError(t, l.Delete(ctx, key))
	assert.False(t, m.Has(key))
}

func TestLoader_FetchesURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/def.json":
			w.Write([]byte(`{"ok":true}`))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	l := NewLoader(nil, srv.Client())

	got, err := l.Load(ctx, srv.URL+"/def.json")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(got))

	_, err = l.Load(ctx, srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Load(ctx, srv.URL+"/broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	// URL-backed blobs are never deleted
	require.NoError(t, l.Delete(ctx, srv.URL+"/def.json"))
}

func TestLoader_RejectsUnknownReferences(t *testing.T) {
	l := NewLoader(NewMemoryStore(), nil)

	_, err := l.Load(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Load(context.Background(), "ftp://example.com/x")
	require.Error(t, err)
}

func TestLoader_PropagatesStoreFailure(t *testing.T) {
	m := NewMemoryStore()
	m.FailWith = errors.New("bucket offline")
	l := NewLoader(m, nil)

	_, err := l.Load(context.Background(), KeyFor([]byte("x")))
	assert.EqualError(t, err, "bucket offline")
}
