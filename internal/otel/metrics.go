package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	RPCDuration       metric.Float64Histogram
	StreamTokens      metric.Int64Counter
	TokensUsed        metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	DeliveryAttempts  metric.Int64Counter
	DeliveryFailures  metric.Int64Counter
	PluginInvocations metric.Int64Counter
	PluginFaults      metric.Int64Counter
	CronRuns          metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RPCDuration, err = meter.Float64Histogram("crpc.rpc.duration",
		metric.WithDescription("JSON-RPC method duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.StreamTokens, err = meter.Int64Counter("crpc.stream.tokens",
		metric.WithDescription("Streaming token events delivered to clients"),
	)
	if err != nil {
		return nil, err
	}
	m.TokensUsed, err = meter.Int64Counter("crpc.llm.tokens",
		metric.WithDescription("Provider-reported tokens consumed"),
	)
	if err != nil {
		return nil, err
	}
	m.ToolCallDuration, err = meter.Float64Histogram("crpc.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.ToolCallErrors, err = meter.Int64Counter("crpc.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}
	m.DeliveryAttempts, err = meter.Int64Counter("crpc.delivery.attempts",
		metric.WithDescription("Outbound delivery attempts"),
	)
	if err != nil {
		return nil, err
	}
	m.DeliveryFailures, err = meter.Int64Counter("crpc.delivery.failures",
		metric.WithDescription("Outbound deliveries that ended failed"),
	)
	if err != nil {
		return nil, err
	}
	m.PluginInvocations, err = meter.Int64Counter("crpc.plugin.invocations",
		metric.WithDescription("Sandbox plugin invocations"),
	)
	if err != nil {
		return nil, err
	}
	m.PluginFaults, err = meter.Int64Counter("crpc.plugin.faults",
		metric.WithDescription("Sandbox plugin faults"),
	)
	if err != nil {
		return nil, err
	}
	m.CronRuns, err = meter.Int64Counter("crpc.cron.runs",
		metric.WithDescription("Cron job runs"),
	)
	if err != nil {
		return nil, err
	}
	m.RateLimitRejects, err = meter.Int64Counter("crpc.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
