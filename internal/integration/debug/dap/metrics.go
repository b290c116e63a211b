package dap

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for DAP traffic.
var (
	tracer = otel.Tracer("dapwire.dap")
	meter  = otel.Meter("dapwire.dap")
)

var (
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	protocolErrors   metric.Int64Counter
	responsesDropped metric.Int64Counter
	requestDuration  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		messagesSent, err = meter.Int64Counter(
			"dap_messages_sent_total",
			metric.WithDescription("Total number of DAP requests written"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		messagesReceived, err = meter.Int64Counter(
			"dap_messages_received_total",
			metric.WithDescription("Total number of DAP messages dispatched, by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		protocolErrors, err = meter.Int64Counter(
			"dap_protocol_errors_total",
			metric.WithDescription("Framing and decode errors on incoming DAP streams"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		responsesDropped, err = meter.Int64Counter(
			"dap_responses_dropped_total",
			metric.WithDescription("Responses with no pending request"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestDuration, err = meter.Float64Histogram(
			"dap_request_duration_seconds",
			metric.WithDescription("Round-trip duration of DAP requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSent(ctx context.Context, command string) {
	if err := initMetrics(); err != nil {
		return
	}
	messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
}

func recordReceived(ctx context.Context, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func recordProtocolError(ctx context.Context, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	protocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func recordDropped(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	responsesDropped.Add(ctx, 1)
}

func recordRequest(ctx context.Context, command string, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("command", command),
		attribute.Bool("success", success),
	))
}

// startRequestSpan creates a span covering one request round trip.
func startRequestSpan(ctx context.Context, connID, command string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dap.request",
		trace.WithAttributes(
			attribute.String("dap.conn_id", connID),
			attribute.String("dap.command", command),
		),
	)
}
