package lockmgr

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/poppobuilder/internal/domain"
	"github.com/danshapiro/poppobuilder/internal/poppoerrors"
)

func TestMutualExclusion(t *testing.T) {
	m := New(WithDetectInterval(time.Hour))
	defer m.Close()

	h, ok := m.TryAcquire("k1", AcquireOptions{PID: os.Getpid(), TaskID: "A"})
	require.True(t, ok, "expected first acquire to succeed")

	_, ok = m.TryAcquire("k1", AcquireOptions{PID: os.Getpid(), TaskID: "B"})
	assert.False(t, ok, "expected second acquire on held key to fail")

	assert.True(t, h.Release(), "expected release to succeed")
	assert.False(t, m.Release("k1"), "expected release of unheld key to be a no-op")
}

// interleaving tests below race several goroutines against the same
// Manager; testify's require/assert keep the post-hoc ordering checks
// terse since each test collects results through a channel rather than
// failing inline from inside the goroutines themselves.

func TestFIFOWithinPriority(t *testing.T) {
	m := New(WithDetectInterval(time.Hour))
	defer m.Close()

	h, _ := m.TryAcquire("k", AcquireOptions{PID: os.Getpid(), TaskID: "holder"})

	order := make(chan string, 2)
	go func() {
		hh, err := m.Acquire(context.Background(), "k", AcquireOptions{PID: os.Getpid(), TaskID: "first", Priority: domain.PriorityNormal}, 5*time.Second)
		if err == nil {
			order <- "first"
			hh.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		hh, err := m.Acquire(context.Background(), "k", AcquireOptions{PID: os.Getpid(), TaskID: "second", Priority: domain.PriorityNormal}, 5*time.Second)
		if err == nil {
			order <- "second"
			hh.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	h.Release()

	first := <-order
	second := <-order
	assert.Equal(t, "first", first)
	assert.Equal(t, "second", second)
}

func TestPriorityPreemptsFIFO(t *testing.T) {
	m := New(WithDetectInterval(time.Hour))
	defer m.Close()

	h, _ := m.TryAcquire("k", AcquireOptions{PID: os.Getpid(), TaskID: "holder"})

	order := make(chan string, 2)
	go func() {
		hh, err := m.Acquire(context.Background(), "k", AcquireOptions{PID: os.Getpid(), TaskID: "low", Priority: domain.PriorityLow}, 5*time.Second)
		if err == nil {
			order <- "low"
			hh.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		hh, err := m.Acquire(context.Background(), "k", AcquireOptions{PID: os.Getpid(), TaskID: "urgent", Priority: domain.PriorityUrgent}, 5*time.Second)
		if err == nil {
			order <- "urgent"
			hh.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	h.Release()

	first := <-order
	second := <-order
	assert.Equal(t, "urgent", first, "expected urgent before low")
	assert.Equal(t, "low", second, "expected urgent before low")
}

func TestAcquireTimeout(t *testing.T) {
	m := New(WithDetectInterval(time.Hour))
	defer m.Close()

	m.TryAcquire("k", AcquireOptions{PID: os.Getpid(), TaskID: "holder"})

	_, err := m.Acquire(context.Background(), "k", AcquireOptions{PID: os.Getpid(), TaskID: "waiter"}, 30*time.Millisecond)
	assert.ErrorIs(t, err, poppoerrors.ErrAcquireTimeout)
}

func TestStaleHolderEviction(t *testing.T) {
	m := New(WithDetectInterval(time.Hour))
	defer m.Close()

	// 99999 is extremely unlikely to be a live PID in any sandbox.
	m.TryAcquire("k", AcquireOptions{PID: 99999, TaskID: "dead-holder"})

	h, ok := m.TryAcquire("k", AcquireOptions{PID: os.Getpid(), TaskID: "new"})
	require.True(t, ok, "expected stale holder to be evicted and key granted immediately")
	h.Release()
}

func TestDeadlockDetectionAbortsLowerPriority(t *testing.T) {
	m := New(WithDetectInterval(time.Hour))
	defer m.Close()

	var abortedID string
	m.onDeadlock = func(ev DeadlockEvent) { abortedID = ev.AbortedTaskID }

	// Pa holds K1, Pb holds K2.
	m.TryAcquire("K1", AcquireOptions{PID: os.Getpid(), TaskID: "Pa"})
	m.TryAcquire("K2", AcquireOptions{PID: os.Getpid(), TaskID: "Pb"})

	paDone := make(chan error, 1)
	pbDone := make(chan error, 1)

	go func() {
		_, err := m.Acquire(context.Background(), "K2", AcquireOptions{PID: os.Getpid(), TaskID: "Pa", Priority: domain.PriorityNormal}, 5*time.Second)
		paDone <- err
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		_, err := m.Acquire(context.Background(), "K1", AcquireOptions{PID: os.Getpid(), TaskID: "Pb", Priority: domain.PriorityLow}, 5*time.Second)
		pbDone <- err
		if err != nil {
			// A real caller whose wait was aborted gives up on its broader
			// operation and releases whatever it was separately holding.
			m.Release("K2")
		}
	}()
	time.Sleep(10 * time.Millisecond)

	victim := m.DetectDeadlocks()
	require.Equal(t, "Pb", victim, "expected Pb (lower priority) to be aborted")

	err := <-pbDone
	assert.ErrorIs(t, err, poppoerrors.ErrDeadlockAbort)
	assert.Equal(t, "Pb", abortedID)

	// Pa can now proceed once Pb releases K2.
	assert.NoError(t, <-paDone, "expected Pa to eventually acquire K2")
}
