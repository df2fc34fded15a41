// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/repair"
)

func TestRegistry_CreateGetClose(t *testing.T) {
	r, err := NewRegistry(Config{Repair: repair.DefaultConfig()}, Deps{Oracle: scripted()})
	require.NoError(t, err)
	defer r.CloseAll(context.Background())

	m, err := r.Create("p1", projectFiles(), nil)
	require.NoError(t, err)
	assert.True(t, m.Monitoring())
	assert.Equal(t, 10, m.Store().Len())

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Same(t, m, got)

	_, err = r.Create("p1", nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, r.Close(context.Background(), "p1"))
	assert.ErrorIs(t, r.Close(context.Background(), "p1"), ErrSessionNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_GeneratesIDs(t *testing.T) {
	r, err := NewRegistry(Config{}, Deps{Oracle: scripted()})
	require.NoError(t, err)
	defer r.CloseAll(context.Background())

	a, err := r.Create("", nil, nil)
	require.NoError(t, err)
	b, err := r.Create("", nil, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, r.IDs(), 2)
}

func TestRegistry_ProjectsAreIsolated(t *testing.T) {
	r, err := NewRegistry(Config{Repair: repair.DefaultConfig()}, Deps{Oracle: scripted()})
	require.NoError(t, err)
	defer r.CloseAll(context.Background())

	a, err := r.Create("a", projectFiles(), nil)
	require.NoError(t, err)
	b, err := r.Create("b", projectFiles(), nil)
	require.NoError(t, err)

	require.True(t, a.HandleEvent(context.Background(), compileError()).Admitted)
	require.True(t, b.HandleEvent(context.Background(), compileError()).Admitted)

	ctx := context.Background()
	require.NoError(t, a.WaitIdle(ctx))
	require.NoError(t, b.WaitIdle(ctx))

	ca, _ := a.Store().Get("/src/App.tsx")
	cb, _ := b.Store().Get("/src/App.tsx")
	assert.Equal(t, fixedApp, ca)
	assert.Equal(t, fixedApp, cb)
}

func TestRegistry_CreateWithStore(t *testing.T) {
	r, err := NewRegistry(Config{}, Deps{Oracle: scripted()})
	require.NoError(t, err)
	defer r.CloseAll(context.Background())

	store := fileset.NewStore(projectFiles())
	m, err := r.CreateWithStore("ws", store, nil)
	require.NoError(t, err)
	assert.Same(t, store, m.Store())
}

func TestRegistry_CloseAllRefusesNewSessions(t *testing.T) {
	r, err := NewRegistry(Config{}, Deps{Oracle: scripted()})
	require.NoError(t, err)

	_, err = r.Create("x", nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.CloseAll(context.Background()))

	_, err = r.Create("y", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, r.Len())
}

func TestNewRegistry_RequiresOracle(t *testing.T) {
	_, err := NewRegistry(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
