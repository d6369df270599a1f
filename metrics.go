package aio

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricAioStreamInBytes counts bytes handed to the application by the
	// read-side stream operations.
	MetricAioStreamInBytes       = []string{"aio", "stream", "in", "bytes"}
	MetricAioStreamOutBytes      = []string{"aio", "stream", "out", "bytes"}
	MetricAioStreamDrainCount    = []string{"aio", "stream", "drain", "count"}
	MetricAioConnEstOutCount     = []string{"aio", "connection", "establishment", "out", "count"}
	MetricAioConnEstOutErrCount  = []string{"aio", "connection", "establishment", "out", "error", "count"}
	MetricAioAcceptCount         = []string{"aio", "server", "accept", "count"}
	MetricAioAcceptErrorCount    = []string{"aio", "server", "accept", "error", "count"}
	MetricAioTaskSpawnCount      = []string{"aio", "loop", "task", "spawn", "count"}
	MetricAioTaskUnhandledErrors = []string{"aio", "loop", "task", "unhandled", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelLocal    TelemetryLabel = "local_addr"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
