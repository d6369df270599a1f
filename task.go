package aio

import (
	"errors"
)

type taskState uint8

const (
	taskReady taskState = iota
	taskRunning
	taskWaiting
	taskDone
)

// Task is a handle over a routine scheduled on a `Loop`. Tasks never own
// each other: cancelling a task does not touch tasks it spawned.
type Task struct {
	loop *Loop
	fn   func() error

	// resume carries the delivery value of the pending suspension from
	// the loop to the task goroutine.
	resume chan error

	state   taskState
	started bool

	// wake is consumed by the next resume.
	wake error
	// cancelPending is set when the task cancels itself (or is cancelled
	// while running); it is delivered at the next suspension point.
	cancelPending bool

	err     error
	joiners []*Task

	// Bookkeeping so cancellation can unhook a suspended task.
	waitFd     int
	waitWrite  bool
	timer      *timerEntry
	joinTarget *Task
}

func (t *Task) run() {
	err := t.fn()
	t.loop.parkCh <- parkMsg{done: true, err: err}
}

// Cancel requests cancellation. The signal is delivered at the target's
// current (or next) suspension point as ErrCanceled; it never interrupts
// a task mid-computation. Cancelling a finished task is a no-op. A task
// cancelled before its first run never executes its body.
func (t *Task) Cancel() {
	l := t.loop
	switch t.state {
	case taskDone:
		return
	case taskRunning:
		t.cancelPending = true
	case taskWaiting:
		l.unblock(t)
		t.wake = ErrCanceled
		t.state = taskReady
		l.ready.Add(t)
	case taskReady:
		t.wake = ErrCanceled
	}
}

// Join suspends the calling task until t completes and returns t's
// error. Joining an already finished task returns immediately. If the
// join itself is cancelled, Join returns ErrCanceled while t keeps
// running.
func (t *Task) Join() error {
	l := t.loop
	cur := l.current

	if t.state == taskDone {
		return t.err
	}
	if cur.cancelPending {
		cur.cancelPending = false
		return ErrCanceled
	}

	t.joiners = append(t.joiners, cur)
	cur.joinTarget = t
	cur.state = taskWaiting
	return l.park(cur)
}

// Done reports whether the task has completed.
func (t *Task) Done() bool {
	return t.state == taskDone
}

// unblock removes t from whichever wait structure it is suspended on.
func (l *Loop) unblock(t *Task) {
	if t.waitFd >= 0 {
		l.dropIOWaiter(t)
	}
	if t.timer != nil {
		// Heap entry is dropped lazily by nextTimer/fireTimers.
		t.timer.task = nil
		t.timer = nil
	}
	if t.joinTarget != nil {
		joiners := t.joinTarget.joiners
		for i, j := range joiners {
			if j == t {
				t.joinTarget.joiners = append(joiners[:i], joiners[i+1:]...)
				break
			}
		}
		t.joinTarget = nil
	}
}

// TaskGroup tracks a set of tasks so they can be joined or cancelled
// collectively. It is the scope under which a serving loop spawns its
// connection handlers.
type TaskGroup struct {
	loop  *Loop
	tasks []*Task
}

// NewGroup returns an empty task group bound to the loop.
func (l *Loop) NewGroup() *TaskGroup {
	return &TaskGroup{loop: l}
}

// Spawn schedules fn as a new task tracked by the group.
func (g *TaskGroup) Spawn(fn func() error) *Task {
	t := g.loop.Spawn(fn)
	g.tasks = append(g.tasks, t)
	return t
}

// CancelAll requests cancellation of every task in the group.
func (g *TaskGroup) CancelAll() {
	for _, t := range g.tasks {
		t.Cancel()
	}
}

// JoinAll waits for every task in the group and aggregates their
// failures. Children that finished with ErrCanceled are not treated as
// failures: cancelling a group and then joining it is the normal
// shutdown sequence. If the joining task is itself cancelled, JoinAll
// stops and returns ErrCanceled.
func (g *TaskGroup) JoinAll() error {
	var errs []error
	for _, t := range g.tasks {
		err := t.Join()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrCanceled) {
			if t.state != taskDone {
				// The join itself got cancelled, not the child.
				return ErrCanceled
			}
			continue
		}
		errs = append(errs, err)
	}
	g.tasks = nil
	return errors.Join(errs...)
}
