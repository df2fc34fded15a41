// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/mend/services/mend/oracle"
)

// Metrics holds the OpenTelemetry instruments for oracle traffic.
type Metrics struct {
	// OracleRequestsTotal counts streams by backend, purpose and status.
	OracleRequestsTotal metric.Int64Counter

	// OracleDuration records stream duration in seconds.
	OracleDuration metric.Float64Histogram

	// OracleChunksTotal counts streamed chunks.
	OracleChunksTotal metric.Int64Counter

	// OracleBytesTotal counts streamed response bytes.
	OracleBytesTotal metric.Int64Counter

	// OracleInFlight tracks open streams.
	OracleInFlight metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OracleRequestsTotal, err = meter.Int64Counter(
		"mend_oracle_requests_total",
		metric.WithDescription("Total oracle streams"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_requests_total: %w", err)
	}

	m.OracleDuration, err = meter.Float64Histogram(
		"mend_oracle_duration_seconds",
		metric.WithDescription("Oracle stream duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_duration: %w", err)
	}

	m.OracleChunksTotal, err = meter.Int64Counter(
		"mend_oracle_chunks_total",
		metric.WithDescription("Total streamed oracle chunks"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_chunks_total: %w", err)
	}

	m.OracleBytesTotal, err = meter.Int64Counter(
		"mend_oracle_response_bytes_total",
		metric.WithDescription("Total streamed oracle response bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_response_bytes_total: %w", err)
	}

	m.OracleInFlight, err = meter.Int64UpDownCounter(
		"mend_oracle_in_flight",
		metric.WithDescription("Currently open oracle streams"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_in_flight: %w", err)
	}

	return m, nil
}

// =============================================================================
// Oracle Instrumentation
// =============================================================================

type instrumented struct {
	inner   oracle.Oracle
	metrics *Metrics
}

// InstrumentOracle wraps o so every stream is timed and counted.
//
// Description:
//
//	Instruments are created on the global meter provider, so Init should
//	run first. When instrument creation fails o is returned unchanged
//	together with the error.
//
// Outputs:
//   - oracle.Oracle: The wrapped backend.
//   - error: Instrument creation error.
func InstrumentOracle(o oracle.Oracle) (oracle.Oracle, error) {
	m, err := NewMetrics(otel.Meter("aleutian.mend.oracle"))
	if err != nil {
		return o, err
	}
	return InstrumentOracleWith(o, m), nil
}

// InstrumentOracleWith wraps o with existing instruments.
func InstrumentOracleWith(o oracle.Oracle, m *Metrics) oracle.Oracle {
	if m == nil {
		return o
	}
	return &instrumented{inner: o, metrics: m}
}

func (i *instrumented) Name() string { return i.inner.Name() }

func (i *instrumented) Stream(ctx context.Context, req oracle.Request, onChunk oracle.ChunkFunc) error {
	attrs := metric.WithAttributes(
		attribute.String("backend", i.inner.Name()),
		attribute.String("purpose", string(req.Purpose)),
	)
	i.metrics.OracleInFlight.Add(ctx, 1, attrs)
	defer i.metrics.OracleInFlight.Add(ctx, -1, attrs)

	start := time.Now()
	var chunks, bytes int64
	err := i.inner.Stream(ctx, req, func(chunk string) error {
		chunks++
		bytes += int64(len(chunk))
		if onChunk != nil {
			return onChunk(chunk)
		}
		return nil
	})

	// Recording uses a fresh context so cancelled streams are still counted.
	rec := context.WithoutCancel(ctx)
	i.metrics.OracleDuration.Record(rec, time.Since(start).Seconds(), attrs)
	i.metrics.OracleChunksTotal.Add(rec, chunks, attrs)
	i.metrics.OracleBytesTotal.Add(rec, bytes, attrs)
	i.metrics.OracleRequestsTotal.Add(rec, 1, attrs, metric.WithAttributes(attribute.String("status", streamStatus(ctx, err))))
	return err
}

func streamStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
