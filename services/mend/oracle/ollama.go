// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.mend.oracle")

// DefaultOllamaBaseURL is used when no base URL is configured.
const DefaultOllamaBaseURL = "http://localhost:11434"

// maxOllamaLine bounds one NDJSON line of the stream.
const maxOllamaLine = 1 << 20

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// OllamaConfig configures an Ollama backend.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

// Ollama streams chat completions from an Ollama server.
type Ollama struct {
	httpClient  *http.Client
	baseURL     string
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOllama creates an Ollama backend.
func NewOllama(cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: ollama model is required", ErrOracleUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		// No client timeout: streams are bounded by the request context.
		client = &http.Client{}
	}
	return &Ollama{
		httpClient:  client,
		baseURL:     baseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.With(slog.String("component", "oracle.ollama")),
	}, nil
}

// Name returns "ollama".
func (o *Ollama) Name() string { return "ollama" }

// Stream posts to /api/chat with streaming enabled and forwards each
// message delta to onChunk.
func (o *Ollama) Stream(ctx context.Context, req Request, onChunk ChunkFunc) error {
	ctx, span := tracer.Start(ctx, "Ollama.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("oracle.purpose", string(req.Purpose)),
	)

	options := map[string]any{"temperature": o.temperature}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if n := firstPositive(req.MaxTokens, o.maxTokens); n > 0 {
		options["num_predict"] = n
	}

	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(ollamaChatRequest{Model: o.model, Messages: messages, Stream: true, Options: options})
	if err != nil {
		return fmt.Errorf("marshalling ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return o.fail(span, fmt.Errorf("creating ollama request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return o.fail(span, fmt.Errorf("%w: %w", ErrOracleUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return o.fail(span, fmt.Errorf("%w: ollama returned status %d: %s",
			ErrOracleUnavailable, resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOllamaLine)
	chunks := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return o.fail(span, fmt.Errorf("decoding ollama stream line: %w", err))
		}
		if chunk.Error != "" {
			return o.fail(span, errors.New("ollama: "+chunk.Error))
		}
		if chunk.Message.Content != "" {
			chunks++
			if err := onChunk(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return o.fail(span, fmt.Errorf("reading ollama stream: %w", err))
	}
	span.SetAttributes(attribute.Int("oracle.chunks", chunks))
	return nil
}

func (o *Ollama) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error("ollama stream failed", slog.String("error", err.Error()))
	return err
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
