package dispatcher_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l4relay/internal/dispatcher"
)

func TestFake_PostRunsOnlyOnDrain(t *testing.T) {
	f := dispatcher.NewFake()

	ran := false
	f.Post(func() { ran = true })
	assert.False(t, ran, "posted work must not run before Drain")

	f.Drain()
	assert.True(t, ran, "Drain must run posted work")
}

func TestFake_PostFromWithinPostIsDrainedTransitively(t *testing.T) {
	f := dispatcher.NewFake()

	var order []int
	f.Post(func() {
		order = append(order, 1)
		f.Post(func() { order = append(order, 2) })
	})

	f.Drain()
	require.Equal(t, []int{1, 2}, order)
}

func TestFake_DeferredDeleteRunsAfterBatchNotInline(t *testing.T) {
	f := dispatcher.NewFake()

	var order []string
	f.Post(func() {
		order = append(order, "event")
		f.DeferredDelete(func() {
			order = append(order, "destroy")
			// A destructor that schedules another deferred delete must land
			// in the *next* flush, not extend this one.
			f.DeferredDelete(func() { order = append(order, "destroy-nested") })
		})
		order = append(order, "event-tail")
	})

	f.Drain()
	require.Equal(t, []string{"event", "event-tail", "destroy", "destroy-nested"}, order)
}

func TestFake_TimerDoesNotFireBeforeAdvance(t *testing.T) {
	f := dispatcher.NewFake()

	fired := false
	f.CreateTimer(time.Second, func() { fired = true })
	f.Drain()
	assert.False(t, fired, "timer must not fire without Advance")

	f.Advance(500 * time.Millisecond)
	assert.False(t, fired, "timer must not fire before its duration elapses")

	f.Advance(500 * time.Millisecond)
	assert.True(t, fired, "timer must fire once its duration has elapsed")
}

func TestFake_TimerStopPreventsFiring(t *testing.T) {
	f := dispatcher.NewFake()

	fired := false
	timer := f.CreateTimer(time.Second, func() { fired = true })
	timer.Stop()

	f.Advance(2 * time.Second)
	assert.False(t, fired, "stopped timer must never fire")
}

func TestFake_TimersFireInDeadlineOrder(t *testing.T) {
	f := dispatcher.NewFake()

	var order []int
	f.CreateTimer(3*time.Second, func() { order = append(order, 3) })
	f.CreateTimer(1*time.Second, func() { order = append(order, 1) })
	f.CreateTimer(2*time.Second, func() { order = append(order, 2) })

	f.Advance(3 * time.Second)
	require.Equal(t, []int{1, 2, 3}, order)
}

type fakeSocket struct{ closed bool }

func (s *fakeSocket) Close() error { s.closed = true; return nil }

func TestFake_InternalListenerRegisterAndDispatch(t *testing.T) {
	f := dispatcher.NewFake()

	var gotMeta any
	var gotSocket dispatcher.Socket
	require.NoError(t, f.RegisterInternalListener("mux:edge", func(conn dispatcher.Socket, meta any) {
		gotSocket = conn
		gotMeta = meta
	}))

	sock := &fakeSocket{}
	require.NoError(t, f.DispatchInternal("mux:edge", sock, "tag-value"))

	assert.Same(t, sock, gotSocket)
	assert.Equal(t, "tag-value", gotMeta)
}

func TestFake_InternalListenerDuplicateRegistrationFails(t *testing.T) {
	f := dispatcher.NewFake()

	require.NoError(t, f.RegisterInternalListener("dup", func(dispatcher.Socket, any) {}))
	err := f.RegisterInternalListener("dup", func(dispatcher.Socket, any) {})
	require.ErrorIs(t, err, dispatcher.ErrDuplicateInternalListener)
}

func TestFake_InternalListenerDispatchUnknownIDFails(t *testing.T) {
	f := dispatcher.NewFake()

	err := f.DispatchInternal("ghost", &fakeSocket{}, nil)
	require.ErrorIs(t, err, dispatcher.ErrNoSuchInternalListener)
}

func TestFake_UnregisterInternalListenerStopsDispatch(t *testing.T) {
	f := dispatcher.NewFake()

	require.NoError(t, f.RegisterInternalListener("edge", func(dispatcher.Socket, any) {}))
	f.UnregisterInternalListener("edge")

	err := f.DispatchInternal("edge", &fakeSocket{}, nil)
	require.ErrorIs(t, err, dispatcher.ErrNoSuchInternalListener)
}

func TestLoop_PostRunsOnGoroutine(t *testing.T) {
	l := dispatcher.NewLoop(0)
	go l.Run()
	defer l.Stop()

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted work did not run within timeout")
	}
}

func TestLoop_DeferredDeleteRunsAfterPostedWork(t *testing.T) {
	l := dispatcher.NewLoop(0)
	go l.Run()
	defer l.Stop()

	order := make(chan string, 2)
	done := make(chan struct{})
	l.Post(func() {
		l.DeferredDelete(func() {
			order <- "destroy"
			close(done)
		})
		order <- "event"
	})

	<-done
	close(order)
	var got []string
	for s := range order {
		got = append(got, s)
	}
	require.Equal(t, []string{"event", "destroy"}, got)
}

func TestLoop_TimerFires(t *testing.T) {
	l := dispatcher.NewLoop(0)
	go l.Run()
	defer l.Stop()

	fired := make(chan struct{})
	l.CreateTimer(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire within timeout")
	}
}

func TestLoop_InternalListenerRegisterAndDispatch(t *testing.T) {
	l := dispatcher.NewLoop(0)

	require.NoError(t, l.RegisterInternalListener("svc", func(dispatcher.Socket, any) {}))
	err := l.RegisterInternalListener("svc", func(dispatcher.Socket, any) {})
	require.ErrorIs(t, err, dispatcher.ErrDuplicateInternalListener)

	l.UnregisterInternalListener("svc")
	err = l.DispatchInternal("svc", &fakeSocket{}, nil)
	require.ErrorIs(t, err, dispatcher.ErrNoSuchInternalListener)
}
