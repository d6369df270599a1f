//go:build linux

package aio

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	l, err := NewLoop(WithLog(handler), WithMetricSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSleepOrdering(t *testing.T) {
	l := newTestLoop(t)

	var order []int
	err := l.Run(func() error {
		sleeper := func(id int, d time.Duration) func() error {
			return func() error {
				if err := l.Sleep(d); err != nil {
					return err
				}
				order = append(order, id)
				return nil
			}
		}
		t1 := l.Spawn(sleeper(1, 30*time.Millisecond))
		t2 := l.Spawn(sleeper(2, 10*time.Millisecond))
		t3 := l.Spawn(sleeper(3, 20*time.Millisecond))
		for _, task := range []*Task{t1, t2, t3} {
			if err := task.Join(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 1}, order)
}

func TestJoinPropagatesResult(t *testing.T) {
	l := newTestLoop(t)
	boom := errors.New("boom")

	err := l.Run(func() error {
		task := l.Spawn(func() error { return boom })
		return task.Join()
	})
	require.ErrorIs(t, err, boom)
}

func TestJoinFinishedTask(t *testing.T) {
	l := newTestLoop(t)

	err := l.Run(func() error {
		task := l.Spawn(func() error { return nil })
		// Let it run to completion first.
		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}
		if !task.Done() {
			return errors.New("task should have finished")
		}
		return task.Join()
	})
	require.NoError(t, err)
}

func TestCancelSleepingTask(t *testing.T) {
	l := newTestLoop(t)

	var sleepErr error
	err := l.Run(func() error {
		task := l.Spawn(func() error {
			sleepErr = l.Sleep(time.Hour)
			return sleepErr
		})
		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}
		task.Cancel()
		return task.Join()
	})
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, sleepErr, ErrCanceled)
}

func TestCancelBeforeFirstRun(t *testing.T) {
	l := newTestLoop(t)

	ran := false
	err := l.Run(func() error {
		task := l.Spawn(func() error {
			ran = true
			return nil
		})
		task.Cancel()
		return task.Join()
	})
	require.ErrorIs(t, err, ErrCanceled)
	require.False(t, ran, "a task cancelled before its first run must never execute")
}

func TestYieldAlternates(t *testing.T) {
	l := newTestLoop(t)

	var order []int
	err := l.Run(func() error {
		spin := func(id int) func() error {
			return func() error {
				for i := 0; i < 5; i++ {
					order = append(order, id)
					if err := l.Sleep(0); err != nil {
						return err
					}
				}
				return nil
			}
		}
		t1 := l.Spawn(spin(1))
		t2 := l.Spawn(spin(2))
		if err := t1.Join(); err != nil {
			return err
		}
		return t2.Join()
	})
	require.NoError(t, err)
	require.Len(t, order, 10)
	for i := 1; i < len(order); i++ {
		require.NotEqual(t, order[i-1], order[i], "yielding tasks must alternate")
	}
}

func TestDeadlockDetection(t *testing.T) {
	l := newTestLoop(t)

	var ta, tb *Task
	err := l.Run(func() error {
		ta = l.Spawn(func() error { return tb.Join() })
		tb = l.Spawn(func() error { return ta.Join() })
		if err := ta.Join(); err != nil {
			return err
		}
		return tb.Join()
	})
	require.ErrorIs(t, err, ErrDeadlock)
}

func TestGroupJoinAllAggregates(t *testing.T) {
	l := newTestLoop(t)
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	err := l.Run(func() error {
		tg := l.NewGroup()
		tg.Spawn(func() error { return errA })
		tg.Spawn(func() error { return nil })
		tg.Spawn(func() error { return errB })
		return tg.JoinAll()
	})
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestGroupCancelAll(t *testing.T) {
	l := newTestLoop(t)

	err := l.Run(func() error {
		tg := l.NewGroup()
		for i := 0; i < 3; i++ {
			tg.Spawn(func() error { return l.Sleep(time.Hour) })
		}
		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}
		tg.CancelAll()
		return tg.JoinAll()
	})
	require.NoError(t, err, "cancelled children are a normal shutdown, not a failure")
}

func TestYieldLoopDoesNotStarveTimers(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	yields := 0
	err := l.Run(func() error {
		sleeper := l.Spawn(func() error {
			if err := l.Sleep(time.Millisecond); err != nil {
				return err
			}
			fired = true
			return nil
		})

		// A task that never leaves the ready queue must not keep the
		// sleeper's timer from firing.
		deadline := time.Now().Add(5 * time.Second)
		for !fired {
			if time.Now().After(deadline) {
				return errors.New("timer never fired while a sibling kept yielding")
			}
			if err := l.Sleep(0); err != nil {
				return err
			}
			yields++
		}
		return sleeper.Join()
	})
	require.NoError(t, err)
	require.True(t, fired)
	require.Positive(t, yields, "the yielding task must still have been running")
}

func TestPollerFailureWakesOrphanedWaiter(t *testing.T) {
	l := newTestLoop(t)

	var writeErr error
	err := l.Run(func() error {
		// A listening socket is never writable, so the write waiter
		// stays parked for as long as the poller tracks the fd.
		sock, _, err := bindListener("127.0.0.1", 0, 1)
		if err != nil {
			return err
		}
		reader := l.Spawn(func() error { return l.WaitReadable(sock) })
		writer := l.Spawn(func() error {
			writeErr = l.WaitWritable(sock)
			return nil
		})
		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}

		// Closing the fd under the poller makes the re-arm after the
		// reader's cancellation fail; the writer must not hang.
		sock.Close()
		reader.Cancel()
		if err := reader.Join(); !errors.Is(err, ErrCanceled) {
			return err
		}
		return writer.Join()
	})
	require.NoError(t, err)
	require.Error(t, writeErr, "the surviving waiter must observe the poller failure")
	require.NotErrorIs(t, writeErr, ErrCanceled)
}

func TestMetricLabelsAreNotAliased(t *testing.T) {
	labels := make([]metrics.Label, 1, 4)
	labels[0] = metrics.Label{Name: "cluster", Value: "test"}
	spare := labels[:2]
	spare[1] = metrics.Label{Name: "guard", Value: "untouched"}

	handler := slog.NewTextHandler(os.Stderr, nil)
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	l, err := NewLoop(WithLog(handler), WithMetricSink(sink), WithMetricLabels(labels))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	// Emits a metric with one extra label appended to the static set.
	l.countDialError("resolve")

	require.Equal(t, "guard", spare[1].Name,
		"per-call labels must not overwrite the caller's spare capacity")
	require.Equal(t, "untouched", spare[1].Value)
}

func TestTimeoutByRacingTasks(t *testing.T) {
	l := newTestLoop(t)

	// There is no built-in timeout anywhere: callers compose one by
	// racing the slow task against a timer and cancelling the loser.
	err := l.Run(func() error {
		slow := l.Spawn(func() error { return l.Sleep(time.Hour) })
		if err := l.Sleep(5 * time.Millisecond); err != nil {
			return err
		}
		slow.Cancel()
		return slow.Join()
	})
	require.ErrorIs(t, err, ErrCanceled)
}
