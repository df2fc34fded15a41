// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mend/services/mend/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel, logJSON = "", "", false
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mend "+Version)
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mend.yaml")

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "cooldown_window: 5s")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "show must not create the file")

	out, err = execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	_, err = execute(t, "--config", path, "config", "init")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("repair:\n  auto_apply: false\n"), 0o644))
	_, err = execute(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.True(t, cfg.Repair.AutoApply)
}

func TestConfigShow_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mend.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644))

	_, err := execute(t, "--config", path, "config", "show")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	logLevel = "chatty"
	defer func() { logLevel = "" }()
	_, err := newLogger(config.LoggingConfig{}, true)
	assert.Error(t, err)
}

func TestReplayCommand_RequiresEvents(t *testing.T) {
	_, err := execute(t, "replay", "--project", t.TempDir())
	assert.Error(t, err)
}
