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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sys/unix"
)

const (
	// DefaultOpenAIModel is used when no model is configured.
	DefaultOpenAIModel = "gpt-4o-mini"

	// DefaultAPIKeyEnv is the environment variable holding the API key.
	DefaultAPIKeyEnv = "OPENAI_API_KEY"

	// DefaultAPIKeySecretPath is read when the key variable is unset.
	DefaultAPIKeySecretPath = "/run/secrets/openai_api_key"

	// minMlockKB is the locked-memory limit below which memguard may fail.
	minMlockKB = 64
)

var memguardInitOnce sync.Once

// LoadAPIKey reads the API key from envName, falling back to the file at
// secretPath. Empty arguments select the defaults.
func LoadAPIKey(envName, secretPath string) (string, error) {
	if envName == "" {
		envName = DefaultAPIKeyEnv
	}
	if secretPath == "" {
		secretPath = DefaultAPIKeySecretPath
	}
	if key := strings.TrimSpace(os.Getenv(envName)); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(secretPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s not set and secret %s unreadable", ErrOracleUnavailable, envName, secretPath)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("%w: secret %s is empty", ErrOracleUnavailable, secretPath)
	}
	slog.Info("read the OpenAI API key from secrets", slog.String("path", secretPath))
	return key, nil
}

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	// APIKey is moved into a memguard enclave and wiped from this slice.
	APIKey      []byte
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
//
// The API key lives in an encrypted memguard enclave and is only decrypted
// for the duration of a request.
type OpenAI struct {
	key         *memguard.Enclave
	baseURL     string
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.APIKey) == 0 {
		return nil, fmt.Errorf("%w: openai api key is empty", ErrOracleUnavailable)
	}
	logger = logger.With(slog.String("component", "oracle.openai"))
	initMemguard(logger)

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
		logger.Warn("oracle model not set, using default", slog.String("model", model))
	}
	return &OpenAI{
		key:         memguard.NewEnclave(cfg.APIKey),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return "openai" }

// Stream runs a streaming chat completion and forwards each content delta.
func (o *OpenAI) Stream(ctx context.Context, req Request, onChunk ChunkFunc) error {
	ctx, span := tracer.Start(ctx, "OpenAI.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("oracle.purpose", string(req.Purpose)),
	)

	key, err := o.key.Open()
	if err != nil {
		return fmt.Errorf("%w: opening api key enclave: %w", ErrOracleUnavailable, err)
	}
	defer key.Destroy()

	clientCfg := openai.DefaultConfig(key.String())
	if o.baseURL != "" {
		clientCfg.BaseURL = o.baseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	chatReq := openai.ChatCompletionRequest{
		Model:       o.model,
		Stream:      true,
		Temperature: o.temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, 2),
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	chatReq.Messages = append(chatReq.Messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if n := firstPositive(req.MaxTokens, o.maxTokens); n > 0 {
		chatReq.MaxCompletionTokens = n
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("openai stream could not start", slog.String("error", err.Error()))
		return err
	}
	defer stream.Close()

	chunks := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				o.logger.Error("openai stream failed", slog.String("error", err.Error()))
			}
			return fmt.Errorf("receiving openai stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			chunks++
			if err := onChunk(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
	span.SetAttributes(attribute.Int("oracle.chunks", chunks))
	return nil
}

// initMemguard installs the interrupt handler that wipes enclaves and
// warns when the locked-memory limit is low.
func initMemguard(logger *slog.Logger) {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			logger.Warn("could not read mlock limit", slog.String("error", err.Error()))
			return
		}
		if rlimit.Cur != unix.RLIM_INFINITY && rlimit.Cur/1024 < minMlockKB {
			logger.Warn("mlock limit is low; api key memory may not be locked",
				slog.Uint64("limit_kb", rlimit.Cur/1024))
		}
	})
}
