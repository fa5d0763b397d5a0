package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/payslip-cli/internal/bus"
)

func newTestBus(t *testing.T, bufferSize int) *bus.Bus {
	return bus.New(zaptest.NewLogger(t), bufferSize)
}

func TestBus_DeliversInOrderPerTopic(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, 8)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(bus.TopicLoginSubmit, bus.TopicLoginError)
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, b.Post(ctx, bus.TopicLoginSubmit, bus.LoginSubmit{Email: "a@b.fr", Password: "1"}))
	require.NoError(t, b.Post(ctx, bus.TopicLoginError, bus.LoginError{Message: "Mot de passe incorrect"}))
	require.NoError(t, b.Post(ctx, bus.TopicLoginSubmit, bus.LoginSubmit{Email: "a@b.fr", Password: "2"}))

	var got []interface{}
	for i := 0; i < 3; i++ {
		msg := <-ch
		got = append(got, msg.Payload)
		assert.NotEmpty(t, msg.ID)
		b.Acknowledge(msg)
	}
	assert.Equal(t, []interface{}{
		bus.LoginSubmit{Email: "a@b.fr", Password: "1"},
		bus.LoginError{Message: "Mot de passe incorrect"},
		bus.LoginSubmit{Email: "a@b.fr", Password: "2"},
	}, got)
}

func TestBus_PostWithoutSubscribers(t *testing.T) {
	b := newTestBus(t, 0)
	defer b.Shutdown()
	assert.NoError(t, b.Post(context.Background(), bus.TopicLoginError, bus.LoginError{Message: "x"}))
}

func TestBus_PostCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, 0)
	defer b.Shutdown()

	_, unsubscribe := b.Subscribe(bus.TopicLoginError)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Post(ctx, bus.TopicLoginError, bus.LoginError{}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after cancellation")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t, 1)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(bus.TopicLoginSubmit)
	unsubscribe()
	require.NoError(t, b.Post(context.Background(), bus.TopicLoginSubmit, bus.LoginSubmit{}))
	select {
	case <-ch:
		t.Fatal("message delivered after unsubscribe")
	default:
	}
}

func TestBus_ShutdownDrainsAndRejects(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, 4)

	ch, _ := b.Subscribe(bus.TopicLoginSubmit)
	require.NoError(t, b.Post(context.Background(), bus.TopicLoginSubmit, bus.LoginSubmit{}))

	finished := make(chan struct{})
	go func() {
		b.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Shutdown deadlocked on an unacknowledged buffered message")
	}

	_, open := <-ch
	assert.False(t, open)
	assert.Error(t, b.Post(context.Background(), bus.TopicLoginSubmit, bus.LoginSubmit{}))

	late, _ := b.Subscribe(bus.TopicLoginSubmit)
	_, open = <-late
	assert.False(t, open)
}
