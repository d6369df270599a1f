// Package aio is a duplex byte-stream and connection/listener layer on
// top of a single-threaded cooperative scheduler, for network I/O where
// you want blocking-style code without ever blocking the thread.
//
// ## The model
//
// A `Loop` runs tasks one at a time. A task keeps the thread until it
// reaches a suspension point: waiting for a socket to become readable or
// writable, sleeping, or joining another task. At that point the loop
// takes over, watches readiness through its poller, and resumes whichever
// task can make progress. Since exactly one task ever runs, there is no
// locking anywhere and no preemption to reason about.
//
// `Stream` gives you blocking-style reads and buffered writes over one
// non-blocking socket: `ReadExactly` assembles exact byte counts however
// the peer fragments them, `Write` never suspends (it queues what the
// socket will not take), and `Drain` flushes the queue, always yielding
// at least once so a tight write/drain loop cannot starve its siblings.
//
// `OpenConnection` and `StartServer`/`RunServer` wire Streams to real TCP
// endpoints. The accept loop runs as a supervised task: cancel it through
// `Server.Close` and it closes the listening socket and exits cleanly;
// a failed individual accept is never fatal.
//
// ## Cancellation
//
// Cancellation is a distinguished signal, not an ordinary error. It is
// delivered only at suspension points as `ErrCanceled`, so a task is
// never torn down mid-computation. The accept loop is the one place that
// treats it as a shutdown request instead of propagating it. There are
// no built-in timeouts: race the operation's task against `Loop.Sleep`
// and cancel the loser.
//
// Dependencies are kept minimal: readiness comes from the platform
// poller via `golang.org/x/sys`, the ready queue is
// [`eapache/queue`][dep-q], logs go through `log/slog`, and metrics are
// emitted with [`hashicorp/go-metrics`][dep-m] so you can plug the sink
// you already run.
//
// [dep-q]: https://pkg.go.dev/github.com/eapache/queue
// [dep-m]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package aio
