package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSendCount          = []string{"weft", "dataplane", "send", "count"}
	MetricSendBytes          = []string{"weft", "dataplane", "send", "bytes"}
	MetricSendErrorCount     = []string{"weft", "dataplane", "send", "error", "count"}
	MetricReceiveCount       = []string{"weft", "dataplane", "receive", "count"}
	MetricReceiveBytes       = []string{"weft", "dataplane", "receive", "bytes"}
	MetricPullCount          = []string{"weft", "dataplane", "pull", "count"}
	MetricPullBytes          = []string{"weft", "dataplane", "pull", "bytes"}
	MetricPullErrorCount     = []string{"weft", "dataplane", "pull", "error", "count"}
	MetricActiveOutCount     = []string{"weft", "dataplane", "active", "out", "count"}
	MetricActiveInCount      = []string{"weft", "manager", "active", "in", "count"}
	MetricStoredObjects      = []string{"weft", "manager", "stored", "objects"}
	MetricDecrementCount     = []string{"weft", "manager", "decrement", "count"}
	MetricOverReleaseCount   = []string{"weft", "manager", "over", "release", "count"}
	MetricPeerReleaseCount   = []string{"weft", "manager", "peer", "release", "count"}
	MetricForcedReleaseCount = []string{"weft", "manager", "forced", "release", "count"}
	MetricPoolAcquireCount   = []string{"weft", "pool", "acquire", "count"}
	MetricPoolEmptyCount     = []string{"weft", "pool", "empty", "count"}
)

// TelemetryLabel doubles as a metric label and a slog attribute key.
type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelInstance TelemetryLabel = "instance_id"
	LabelObject   TelemetryLabel = "object_id"
	LabelTokens   TelemetryLabel = "tokens"
	LabelTag      TelemetryLabel = "tag"
	LabelDuration TelemetryLabel = "duration"
	LabelCount    TelemetryLabel = "count"
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
