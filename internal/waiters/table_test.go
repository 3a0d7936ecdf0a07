package waiters

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalResolvesWaiter(t *testing.T) {
	tbl := New[string]()
	w, err := tbl.Register("alice1@test.domain")
	require.NoError(t, err)

	go tbl.Signal("alice1@test.domain", Result[string]{Value: "ready"})

	got, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "ready", got)
	require.Zero(t, tbl.Len())
}

func TestSignalBeforeWaitIsKept(t *testing.T) {
	tbl := New[int]()
	w, err := tbl.Register("k")
	require.NoError(t, err)
	require.True(t, tbl.Signal("k", Result[int]{Value: 7}))

	got, err := w.Wait(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 7, got)
}

func TestSignalCarriesError(t *testing.T) {
	tbl := New[int]()
	w, err := tbl.Register("k")
	require.NoError(t, err)
	boom := errors.New("boom")
	tbl.Signal("k", Result[int]{Err: boom})

	_, err = w.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, boom)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	tbl := New[int]()
	_, err := tbl.Register("k")
	require.NoError(t, err)
	_, err = tbl.Register("k")
	require.ErrorIs(t, err, ErrExists)
}

func TestTimeoutRemovesWaiter(t *testing.T) {
	tbl := New[int]()
	w, err := tbl.Register("k")
	require.NoError(t, err)

	_, err = w.Wait(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, tbl.Len())

	require.False(t, tbl.Signal("k", Result[int]{Value: 1}))

	_, err = tbl.Register("k")
	require.NoError(t, err)
}

func TestContextCancellationRemovesWaiter(t *testing.T) {
	tbl := New[int]()
	w, err := tbl.Register("k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Wait(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, tbl.Len())
}

func TestCancelIsSafeAfterSignal(t *testing.T) {
	tbl := New[int]()
	w, err := tbl.Register("k")
	require.NoError(t, err)
	w.Cancel()
	require.Zero(t, tbl.Len())
	require.False(t, tbl.Signal("k", Result[int]{}))
	w.Cancel()
}

func TestSignalAndTimeoutRaceDeliverOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		tbl := New[int]()
		w, err := tbl.Register("k")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var signalled bool
		wg.Add(1)
		go func() {
			defer wg.Done()
			signalled = tbl.Signal("k", Result[int]{Value: 1})
		}()

		got, err := w.Wait(context.Background(), time.Microsecond)
		wg.Wait()

		if signalled {
			require.NoError(t, err)
			require.Equal(t, 1, got)
		} else {
			require.ErrorIs(t, err, ErrTimeout)
		}
		require.Zero(t, tbl.Len())
	}
}
