package aio

import (
	"container/heap"
	"errors"
	"log/slog"
	"time"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-metrics"
)

// Loop is a single-threaded cooperative task runner. Exactly one task
// executes at any point in time; a task keeps the thread until it reaches
// a suspension point (`WaitReadable`, `WaitWritable`, `Sleep`,
// `Task.Join`). Because of this, no loop state needs locking: every
// mutation happens while holding the execution baton.
//
// All Loop and Task methods except `NewLoop`, `Run` and `Close` MUST be
// called from inside a task running on this loop (or before `Run` starts
// for `Spawn`).
type Loop struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label

	ready     *queue.Queue
	timers    timerHeap
	fdWaiters map[int]*fdWaiter
	poller    *poller

	// parkCh hands the baton from the running task back to the loop.
	parkCh  chan parkMsg
	current *Task

	closed bool
}

type parkMsg struct {
	done bool
	err  error
}

// fdWaiter tracks at most one task per direction. Two tasks waiting on
// the same direction of the same socket is undefined behaviour by
// contract, so the second registration simply overwrites the first.
type fdWaiter struct {
	r *Task
	w *Task
}

// NewLoop allocates a loop and its readiness poller.
func NewLoop(opts ...Option) (*Loop, error) {
	var cfg config
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	l := &Loop{
		ready:     queue.New(),
		fdWaiters: make(map[int]*fdWaiter),
		parkCh:    make(chan parkMsg),
	}
	if n := len(cfg.metricLabels); n > 0 {
		// Copied so the per-call label appends below never write into
		// the caller's backing array.
		l.mlabels = make([]metrics.Label, n)
		copy(l.mlabels, cfg.metricLabels)
	}

	if cfg.logHandler == nil {
		l.logger = slog.Default()
	} else {
		l.logger = slog.New(cfg.logHandler)
	}

	if cfg.metricSink == nil {
		l.msink = metrics.Default()
	} else {
		l.msink = cfg.metricSink
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	l.poller = p
	return l, nil
}

// Close releases the poller. The loop must not be running.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.poller.close()
}

// Run drives the loop until the main task completes and returns its
// error. Other tasks may still be pending when Run returns; calling Run
// again picks them back up.
func (l *Loop) Run(fn func() error) error {
	if l.closed {
		return ErrLoopClosed
	}

	main := l.Spawn(fn)
	for main.state != taskDone {
		if err := l.step(); err != nil {
			return err
		}
	}
	return main.err
}

// Spawn schedules fn as a new task. The task starts executing the next
// time the loop picks it from the ready queue.
func (l *Loop) Spawn(fn func() error) *Task {
	t := &Task{
		loop:   l,
		fn:     fn,
		resume: make(chan error, 1),
		state:  taskReady,
		waitFd: -1,
	}
	l.ready.Add(t)
	l.msink.IncrCounterWithLabels(MetricAioTaskSpawnCount, 1, l.mlabels)
	return t
}

// WaitReadable suspends the calling task until s has pending data (or a
// socket-level error condition, in which case the next socket call will
// surface it). Returns ErrCanceled when cancellation is delivered here.
func (l *Loop) WaitReadable(s Socket) error {
	return l.waitIO(s, false)
}

// WaitWritable suspends the calling task until s can accept bytes. A
// pending non-blocking connect completing (either way) also reports
// writability.
func (l *Loop) WaitWritable(s Socket) error {
	return l.waitIO(s, true)
}

func (l *Loop) waitIO(s Socket, write bool) error {
	t := l.current
	if t.cancelPending {
		t.cancelPending = false
		return ErrCanceled
	}

	fd := int(s.Fd())
	w := l.fdWaiters[fd]
	if w == nil {
		w = &fdWaiter{}
		l.fdWaiters[fd] = w
	}
	if write {
		w.w = t
	} else {
		w.r = t
	}

	if err := l.poller.arm(fd, w.r != nil, w.w != nil); err != nil {
		if write {
			w.w = nil
		} else {
			w.r = nil
		}
		if w.r == nil && w.w == nil {
			delete(l.fdWaiters, fd)
		}
		return err
	}

	t.waitFd = fd
	t.waitWrite = write
	t.state = taskWaiting
	return l.park(t)
}

// Sleep suspends the calling task for at least d. Sleep(0) is a pure
// yield: the task goes to the back of the ready queue so every other
// runnable task gets a turn first.
func (l *Loop) Sleep(d time.Duration) error {
	t := l.current
	if t.cancelPending {
		t.cancelPending = false
		return ErrCanceled
	}

	if d <= 0 {
		t.state = taskReady
		l.ready.Add(t)
		return l.park(t)
	}

	te := &timerEntry{when: time.Now().Add(d), task: t}
	heap.Push(&l.timers, te)
	t.timer = te
	t.state = taskWaiting
	return l.park(t)
}

// park gives the baton back to the loop and blocks until this task is
// resumed. The returned error is the delivery value of the suspension
// (nil, ErrCanceled, or a join result).
func (l *Loop) park(t *Task) error {
	l.parkCh <- parkMsg{}
	return <-t.resume
}

func (l *Loop) step() error {
	// A busy-yielding task keeps the ready queue non-empty forever, so
	// expired timers and pending readiness must be serviced on every
	// pass, not only once the loop runs out of runnable work.
	if l.ready.Length() > 0 {
		if len(l.fdWaiters) > 0 {
			if err := l.pollOnce(0); err != nil {
				return err
			}
		}
		l.fireTimers(time.Now())
	}

	for l.ready.Length() == 0 {
		timeoutMs := -1
		if next := l.nextTimer(); next != nil {
			d := time.Until(next.when)
			if d < 0 {
				d = 0
			}
			// Round up so we never wake before the deadline and spin.
			timeoutMs = int((d + time.Millisecond - 1) / time.Millisecond)
		}

		if timeoutMs < 0 && len(l.fdWaiters) == 0 {
			return ErrDeadlock
		}

		if err := l.pollOnce(timeoutMs); err != nil {
			return err
		}
		l.fireTimers(time.Now())
	}

	t := l.ready.Remove().(*Task)
	if t.state == taskDone {
		// Task was completed while queued (cancel before first run).
		return nil
	}
	if !t.started && errors.Is(t.wake, ErrCanceled) {
		// Cancelled before it ever ran: the body never executes.
		l.complete(t, ErrCanceled)
		return nil
	}

	l.dispatch(t)
	return nil
}

func (l *Loop) dispatch(t *Task) {
	l.current = t
	t.state = taskRunning
	if !t.started {
		t.started = true
		go t.run()
	} else {
		wake := t.wake
		t.wake = nil
		t.resume <- wake
	}

	msg := <-l.parkCh
	l.current = nil
	if msg.done {
		l.complete(t, msg.err)
	}
}

func (l *Loop) complete(t *Task, err error) {
	t.state = taskDone
	t.err = err

	if len(t.joiners) == 0 && err != nil && !errors.Is(err, ErrCanceled) {
		l.logger.Error("task failed with nobody joining it", LabelError.L(err))
		l.msink.IncrCounterWithLabels(MetricAioTaskUnhandledErrors, 1, l.mlabels)
	}

	for _, j := range t.joiners {
		j.joinTarget = nil
		j.wake = err
		j.state = taskReady
		l.ready.Add(j)
	}
	t.joiners = nil
}

func (l *Loop) pollOnce(timeoutMs int) error {
	events, err := l.poller.wait(timeoutMs)
	if err != nil {
		return err
	}

	for _, ev := range events {
		w := l.fdWaiters[ev.fd]
		if w == nil {
			continue
		}
		// Error and hang-up conditions wake both directions: the task
		// re-attempts its socket call and observes the real failure (or
		// EOF) from it.
		if (ev.readable || ev.hup) && w.r != nil {
			l.wakeIO(w.r, nil)
			w.r = nil
		}
		if (ev.writable || ev.hup) && w.w != nil {
			l.wakeIO(w.w, nil)
			w.w = nil
		}
		if w.r == nil && w.w == nil {
			delete(l.fdWaiters, ev.fd)
			l.poller.disarm(ev.fd)
		} else if err := l.poller.arm(ev.fd, w.r != nil, w.w != nil); err != nil {
			l.failFD(ev.fd, w, err)
		}
	}
	return nil
}

func (l *Loop) wakeIO(t *Task, err error) {
	t.waitFd = -1
	t.wake = err
	t.state = taskReady
	l.ready.Add(t)
}

// failFD wakes every remaining waiter on fd with err after the poller
// refused to keep tracking the descriptor, typically because another
// task closed it while they were suspended. Parking them forever would
// hide the failure.
func (l *Loop) failFD(fd int, w *fdWaiter, err error) {
	l.logger.Warn("poller lost a descriptor with suspended waiters", LabelError.L(err))
	if w.r != nil {
		l.wakeIO(w.r, err)
		w.r = nil
	}
	if w.w != nil {
		l.wakeIO(w.w, err)
		w.w = nil
	}
	delete(l.fdWaiters, fd)
	l.poller.disarm(fd)
}

// dropIOWaiter removes t from the readiness table, typically because it
// got cancelled while suspended on a socket.
func (l *Loop) dropIOWaiter(t *Task) {
	w := l.fdWaiters[t.waitFd]
	if w == nil {
		t.waitFd = -1
		return
	}
	if t.waitWrite && w.w == t {
		w.w = nil
	}
	if !t.waitWrite && w.r == t {
		w.r = nil
	}
	if w.r == nil && w.w == nil {
		delete(l.fdWaiters, t.waitFd)
		l.poller.disarm(t.waitFd)
	} else if err := l.poller.arm(t.waitFd, w.r != nil, w.w != nil); err != nil {
		l.failFD(t.waitFd, w, err)
	}
	t.waitFd = -1
}

func (l *Loop) nextTimer() *timerEntry {
	for l.timers.Len() > 0 {
		te := l.timers[0]
		if te.task == nil {
			// Cancelled timer, removed lazily.
			heap.Pop(&l.timers)
			continue
		}
		return te
	}
	return nil
}

func (l *Loop) fireTimers(now time.Time) {
	for l.timers.Len() > 0 {
		te := l.timers[0]
		if te.task == nil {
			heap.Pop(&l.timers)
			continue
		}
		if te.when.After(now) {
			return
		}
		heap.Pop(&l.timers)
		t := te.task
		t.timer = nil
		t.wake = nil
		t.state = taskReady
		l.ready.Add(t)
	}
}

type timerEntry struct {
	when time.Time
	task *Task
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	te := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return te
}
