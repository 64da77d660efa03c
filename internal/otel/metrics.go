package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	TaskDuration        metric.Float64Histogram
	ActiveTasks         metric.Int64UpDownCounter
	TasksCompleted      metric.Int64Counter
	TasksFailed         metric.Int64Counter
	ValidationFailures  metric.Int64Counter
	NotificationsQueued metric.Int64Counter
	RescanDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("bridge.task.duration",
		metric.WithDescription("Task execution duration from submission to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("bridge.task.active",
		metric.WithDescription("Number of tasks currently in a non-terminal phase"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("bridge.task.completed",
		metric.WithDescription("Tasks that reached the complete state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("bridge.task.failed",
		metric.WithDescription("Tasks that reached the failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.ValidationFailures, err = meter.Int64Counter("bridge.validation.failures",
		metric.WithDescription("Quality gate results reporting failure"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsQueued, err = meter.Int64Counter("bridge.filesync.notifications",
		metric.WithDescription("File change notifications enqueued across agent subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	m.RescanDuration, err = meter.Float64Histogram("bridge.filesync.rescan.duration",
		metric.WithDescription("Fingerprint rescan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
