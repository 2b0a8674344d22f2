package calc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airrange-io/spreadapi-gateway/internal/cache"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

func TestPrewarm_SecondCallIsAlreadyCached(t *testing.T) {
	f := newFixture(t, cache.WorkbookOptions{})
	f.publish(t, "svc1", "u1", "workbook-v1", service.Definition{})
	ctx := context.Background()

	first, err := f.exec.Prewarm(ctx, "svc1", false)
	require.NoError(t, err)
	assert.Equal(t, "svc1", first.ServiceID)
	assert.False(t, first.AlreadyCached)

	second, err := f.exec.Prewarm(ctx, "svc1", false)
	require.NoError(t, err)
	assert.True(t, second.AlreadyCached)
	assert.Equal(t, int64(0), second.LoadMs)
	assert.Equal(t, int64(1), f.engine.Opens())

	res, err := f.exec.Execute(ctx, Request{ServiceID: "svc1", Inputs: loanInputs()})
	require.NoError(t, err)
	assert.True(t, res.Info.WorkbookCached)
}

func TestPrewarm_ForceRefreshReloads(t *testing.T) {
	f := newFixture(t, cache.WorkbookOptions{})
	f.publish(t, "svc1", "u1", "workbook-v1", service.Definition{})
	ctx := context.Background()

	_, err := f.exec.Prewarm(ctx, "svc1", false)
	require.NoError(t, err)

	res, err := f.exec.Prewarm(ctx, "svc1", true)
	require.NoError(t, err)
	assert.False(t, res.AlreadyCached)
	assert.Equal(t, int64(2), f.engine.Opens())

	// The replaced handle is closed in the background
	assert.Eventually(t, func() bool { return f.engine.Closes() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPrewarm_UnpublishedIsNotFound(t *testing.T) {
	f := newFixture(t, cache.WorkbookOptions{})

	_, err := f.exec.Prewarm(context.Background(), "missing", false)
	assert.ErrorIs(t, err, service.ErrNotFound)
	assert.Equal(t, int64(0), f.engine.Opens())
}

func TestPrewarm_ConcurrentCallsLoadOnce(t *testing.T) {
	f := newFixture(t, cache.WorkbookOptions{})
	f.engine.OpenDelay = 30 * time.Millisecond
	f.publish(t, "svc1", "u1", "workbook-v1", service.Definition{})
	f.publish(t, "svc2", "u1", "workbook-v2", service.Definition{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, id := range []string{"svc1", "svc2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.exec.Prewarm(context.Background(), id, false)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, int64(2), f.engine.Opens(), "one load per service")
	assert.Equal(t, 2, f.workbooks.Len())
}
