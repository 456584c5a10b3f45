package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager(t *testing.T) {
	sm := NewShutdownManager(nil, nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
	assert.NotNil(t, sm.logger)

	sm = NewShutdownManager(NewNopLogger(), nil, time.Second)
	assert.Equal(t, time.Second, sm.shutdownTimeout)
}

func TestShutdownManager_Register(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)
	sm.Register("nil", nil)
	assert.Empty(t, sm.hooks)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.Register("noop", func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	assert.Len(t, sm.hooks, 10)
}

func TestShutdownManager_ShutdownOrder(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)

	var order []string
	for _, name := range []string{"redis", "audit", "otel"} {
		name := name
		sm.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"otel", "audit", "redis"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	buf := &bytes.Buffer{}
	sm := NewShutdownManager(NewLogger(InfoLevel, buf), nil, time.Second)

	ran := false
	sm.Register("db", func(context.Context) error { ran = true; return nil })
	sm.Register("audit", func(context.Context) error { return errors.New("flush failed") })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit: flush failed")
	assert.True(t, ran, "later hooks still run after a failure")
	assert.Contains(t, buf.String(), "Shutdown hook failed")
}

func TestShutdownManager_ExpiredContextSkipsHooks(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)
	called := false
	sm.Register("late", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestShutdownManager_DrainsServer(t *testing.T) {
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Start()
	defer server.Close()

	sm := NewShutdownManager(NewNopLogger(), server.Config, time.Second)
	require.NoError(t, sm.Shutdown(context.Background()))

	_, err := http.Get(server.URL)
	assert.Error(t, err)
}

func TestShutdownManager_WaitForShutdown(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)
	done := make(chan struct{})
	sm.Register("marker", func(context.Context) error { close(done); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sm.WaitForShutdown(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return after cancellation")
	}
	<-done
}
