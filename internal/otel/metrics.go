package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all kernel metrics instruments.
type Metrics struct {
	TickDuration         metric.Float64Histogram
	JobDuration          metric.Float64Histogram
	LLMCallDuration      metric.Float64Histogram
	TokensUsed           metric.Int64Counter
	DeliverySendDuration metric.Float64Histogram
	DeliverySendErrors   metric.Int64Counter
	ActiveRuntimeRuns    metric.Int64UpDownCounter
	CronFiresTotal       metric.Int64Counter
	TriageDecisionsTotal metric.Int64Counter
	ExecutorPollErrors   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("kernel.worker.tick.duration",
		metric.WithDescription("Worker tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("kernel.job.duration",
		metric.WithDescription("Runtime job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("kernel.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("kernel.llm.tokens",
		metric.WithDescription("Total tokens consumed across triage, enrich, and reply calls"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliverySendDuration, err = meter.Float64Histogram("kernel.delivery.send.duration",
		metric.WithDescription("Delivery worker send-to-transport duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliverySendErrors, err = meter.Int64Counter("kernel.delivery.send.errors",
		metric.WithDescription("Delivery send attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuntimeRuns, err = meter.Int64UpDownCounter("kernel.runtime.active_runs",
		metric.WithDescription("Number of currently running executor jobs"),
	)
	if err != nil {
		return nil, err
	}

	m.CronFiresTotal, err = meter.Int64Counter("kernel.clock.cron_fires",
		metric.WithDescription("Total cron fires claimed by Clock"),
	)
	if err != nil {
		return nil, err
	}

	m.TriageDecisionsTotal, err = meter.Int64Counter("kernel.triage.decisions",
		metric.WithDescription("Total triage routing decisions, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutorPollErrors, err = meter.Int64Counter("kernel.executor.poll_errors",
		metric.WithDescription("Executor backend poll errors observed by Runtime"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
