// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle talks to the external code-generation model.
//
// The model is reached through a provider-agnostic streaming interface.
// Callers accumulate the chunk stream with Accumulate and then run the
// result through a ParserChain. Backends: OpenAI-compatible chat
// completions, Ollama, and a scripted oracle for tests and replays.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrOracleUnavailable is returned when a backend cannot be reached or
	// is misconfigured.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrEmptyResponse is returned when a stream completes without content.
	ErrEmptyResponse = errors.New("oracle returned an empty response")

	// ErrResponseTooLarge is returned when a stream exceeds the byte limit.
	ErrResponseTooLarge = errors.New("oracle response exceeds size limit")

	// ErrUnparsable is returned when no parse strategy accepts a response.
	ErrUnparsable = errors.New("oracle response is not parseable")

	// ErrUnknownBackend is returned by New for unsupported backends.
	ErrUnknownBackend = errors.New("unknown oracle backend")
)

// Purpose identifies which repair stage a request serves.
type Purpose string

const (
	// PurposeAnalyze requests a root-cause analysis.
	PurposeAnalyze Purpose = "analyze"

	// PurposeImplement requests replacement file contents.
	PurposeImplement Purpose = "implement"
)

// Request is one oracle invocation.
type Request struct {
	Purpose Purpose
	System  string
	Prompt  string

	// Temperature and MaxTokens override backend defaults when non-nil/non-zero.
	Temperature *float32
	MaxTokens   int
}

// ChunkFunc receives incremental response text. Returning an error stops
// the stream and makes Stream return that error.
type ChunkFunc func(chunk string) error

// Oracle is a streaming code-generation backend.
//
// Implementations must stop consuming the response promptly when ctx is
// cancelled and must not call onChunk after Stream returns.
type Oracle interface {
	Name() string
	Stream(ctx context.Context, req Request, onChunk ChunkFunc) error
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, req Request, onChunk ChunkFunc) error

// Name returns "func".
func (f Func) Name() string { return "func" }

// Stream calls f.
func (f Func) Stream(ctx context.Context, req Request, onChunk ChunkFunc) error {
	return f(ctx, req, onChunk)
}

// Transcript is an accumulated response.
type Transcript struct {
	Text     string
	Chunks   int
	Duration time.Duration
}

// Accumulate drains one oracle stream into a Transcript.
//
// Description:
//
//	Chunks are appended in arrival order and forwarded to onChunk when it
//	is non-nil. If ctx is done when the stream ends, ctx.Err() is returned
//	(wrapped) even if the backend reported a different error, so callers
//	can tell an abort apart from a transport failure with errors.Is.
//
// Inputs:
//   - ctx: Cancels the stream.
//   - o: The backend.
//   - req: The request.
//   - maxBytes: Upper bound on accumulated text. Zero means unlimited.
//   - onChunk: Optional observer of each chunk.
//
// Outputs:
//   - Transcript: The accumulated response.
//   - error: Transport, size, empty-response, or context errors.
func Accumulate(ctx context.Context, o Oracle, req Request, maxBytes int, onChunk ChunkFunc) (Transcript, error) {
	start := time.Now()
	var (
		b      strings.Builder
		chunks int
	)

	err := o.Stream(ctx, req, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		if maxBytes > 0 && b.Len()+len(chunk) > maxBytes {
			return fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, maxBytes)
		}
		b.WriteString(chunk)
		chunks++
		if onChunk != nil {
			return onChunk(chunk)
		}
		return nil
	})

	tr := Transcript{Text: b.String(), Chunks: chunks, Duration: time.Since(start)}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return tr, fmt.Errorf("%s stream interrupted: %w", o.Name(), ctxErr)
	}
	if err != nil {
		return tr, fmt.Errorf("%s stream failed: %w", o.Name(), err)
	}
	if strings.TrimSpace(tr.Text) == "" {
		return tr, fmt.Errorf("%s: %w", o.Name(), ErrEmptyResponse)
	}
	return tr, nil
}

// RawPreview returns at most n runes of raw, for diagnostics.
func RawPreview(raw string, n int) string {
	r := []rune(raw)
	if n <= 0 || len(r) <= n {
		return raw
	}
	return string(r[:n]) + "…"
}

// paced waits on a rate limiter before each stream.
type paced struct {
	inner   Oracle
	limiter *rate.Limiter
}

// Paced wraps o so that streams start no faster than limiter allows.
// A nil limiter returns o unchanged.
func Paced(o Oracle, limiter *rate.Limiter) Oracle {
	if limiter == nil {
		return o
	}
	return &paced{inner: o, limiter: limiter}
}

func (p *paced) Name() string { return p.inner.Name() }

func (p *paced) Stream(ctx context.Context, req Request, onChunk ChunkFunc) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for oracle rate limit: %w", err)
	}
	return p.inner.Stream(ctx, req, onChunk)
}
