// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_SubscribeAndEmit(t *testing.T) {
	e := NewEmitter(WithProjectID("proj-1"))

	var got []*Event
	e.Subscribe(func(ev *Event) { got = append(got, ev) })

	published := e.Emit(TypeFilesFixed, FilesFixedData{RepairID: "r1", Files: []string{"/a.ts"}})

	require.Len(t, got, 1)
	assert.Equal(t, published.ID, got[0].ID)
	assert.Equal(t, TypeFilesFixed, got[0].Type)
	assert.Equal(t, "proj-1", got[0].ProjectID)
	data, ok := got[0].Data.(FilesFixedData)
	require.True(t, ok)
	assert.Equal(t, "r1", data.RepairID)
}

func TestEmitter_TypeFilter(t *testing.T) {
	e := NewEmitter()

	var progress, all int
	e.Subscribe(func(*Event) { progress++ }, TypeProgress)
	e.Subscribe(func(*Event) { all++ })

	e.Emit(TypeProgress, nil)
	e.Emit(TypeFilesFixed, nil)
	e.Emit(TypeSandboxControl, nil)

	assert.Equal(t, 1, progress)
	assert.Equal(t, 3, all)
}

func TestEmitter_CustomFilter(t *testing.T) {
	e := NewEmitter()

	var count int
	e.SubscribeWithFilter(func(*Event) { count++ }, func(ev *Event) bool {
		d, ok := ev.Data.(SuppressedData)
		return ok && d.Reason == "cooldown"
	}, TypeFaultSuppressed)

	e.Emit(TypeFaultSuppressed, SuppressedData{Reason: "cooldown"})
	e.Emit(TypeFaultSuppressed, SuppressedData{Reason: "already-fixed"})

	assert.Equal(t, 1, count)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter()

	var count int
	id := e.Subscribe(func(*Event) { count++ })
	e.Emit(TypeProgress, nil)

	assert.True(t, e.Unsubscribe(id))
	assert.False(t, e.Unsubscribe(id))
	e.Emit(TypeProgress, nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, e.SubscriptionCount())
}

func TestEmitter_SubscriptionOrder(t *testing.T) {
	e := NewEmitter()

	var order []int
	for i := 0; i < 5; i++ {
		e.Subscribe(func(*Event) { order = append(order, i) })
	}
	e.Emit(TypeProgress, nil)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEmitter_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	e := NewEmitter()

	var after bool
	e.Subscribe(func(*Event) { panic("boom") })
	e.Subscribe(func(*Event) { after = true })

	assert.NotPanics(t, func() { e.Emit(TypeProgress, nil) })
	assert.True(t, after)
}

func TestEmitter_BufferEvictsOldest(t *testing.T) {
	e := NewEmitter(WithBufferSize(2))

	e.Emit(TypeProgress, 1)
	e.Emit(TypeProgress, 2)
	e.Emit(TypeFilesFixed, 3)

	buf := e.Buffer()
	require.Len(t, buf, 2)
	assert.Equal(t, 2, buf[0].Data)
	assert.Equal(t, 3, buf[1].Data)
	assert.Len(t, e.BufferByType(TypeFilesFixed), 1)
}

func TestEmitter_BufferDisabled(t *testing.T) {
	e := NewEmitter(WithBufferSize(0))
	e.Emit(TypeProgress, nil)
	assert.Empty(t, e.Buffer())
}

func TestEmitter_BufferSince(t *testing.T) {
	e := NewEmitter()
	first := e.Emit(TypeProgress, 1)
	time.Sleep(2 * time.Millisecond)
	e.Emit(TypeProgress, 2)

	since := e.BufferSince(first.Timestamp)
	require.Len(t, since, 1)
	assert.Equal(t, 2, since[0].Data)
}

func TestEmitter_Reset(t *testing.T) {
	e := NewEmitter()
	e.Subscribe(func(*Event) {})
	e.Emit(TypeProgress, nil)

	e.Reset()

	assert.Equal(t, 0, e.SubscriptionCount())
	assert.Empty(t, e.Buffer())
}

func TestEmitter_ConcurrentEmit(t *testing.T) {
	e := NewEmitter(WithBufferSize(1000))

	var mu sync.Mutex
	var count int
	e.Subscribe(func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Emit(TypeProgress, j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, count)
	assert.Len(t, e.Buffer(), 500)
}
