package aio

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `NewLoop`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the loop and its streams.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the loop.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

type serveConfig struct {
	backlog int
	group   *TaskGroup
}

// ServeOption to pass to `StartServer` and `RunServer`.
type ServeOption func(*serveConfig)

// WithBacklog controls the listen(2) backlog of the listening socket.
func WithBacklog(backlog int) ServeOption {
	return func(c *serveConfig) {
		if backlog > 0 {
			c.backlog = backlog
		}
	}
}

// WithGroup makes the accept loop spawn handler tasks under an externally
// owned `TaskGroup` so the caller can join or cancel them collectively.
// Without it, `RunServer` creates a group of its own and joins it when the
// accept loop exits. `StartServer` spawns detached handler tasks unless a
// group is supplied.
func WithGroup(tg *TaskGroup) ServeOption {
	return func(c *serveConfig) {
		c.group = tg
	}
}
