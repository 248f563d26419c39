/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package fsm

import "testing"

func TestOnRequestTransitionsIdleToHandling(t *testing.T) {
	var m Machine
	task := m.OnRequest()
	if task != TaskDispatch {
		t.Fatalf("got task %v, want %v", task, TaskDispatch)
	}
	if got := m.Handling(); got != HandlingState {
		t.Fatalf("got handling %v, want %v", got, HandlingState)
	}
}

func TestOnRequestPanicsWhenNotIdle(t *testing.T) {
	var m Machine
	m.OnRequest()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling OnRequest twice without completing")
		}
	}()
	m.OnRequest()
}

func TestHandlerReturnedSyncCommittedCompletes(t *testing.T) {
	var m Machine
	m.OnRequest()
	task := m.HandlerReturned(false, false)
	if task != TaskComplete {
		t.Fatalf("got task %v, want %v", task, TaskComplete)
	}
}

func TestHandlerReturnedAsyncNoIOWaits(t *testing.T) {
	var m Machine
	m.OnRequest()
	task := m.HandlerReturned(true, false)
	if task != NoTask {
		t.Fatalf("got task %v, want NoTask", task)
	}
	if got := m.Handling(); got != Waiting {
		t.Fatalf("got handling %v, want %v", got, Waiting)
	}
}

func TestCompleteFromWaitingReturnsComplete(t *testing.T) {
	var m Machine
	m.OnRequest()
	m.HandlerReturned(true, false)
	task := m.Complete()
	if task != TaskComplete {
		t.Fatalf("got task %v, want %v", task, TaskComplete)
	}
	// Complete() must land in COMPLETING, not WOKEN: the caller's next
	// step is to run TaskComplete and then call Unhandle, which only
	// ever advances COMPLETING -> COMPLETED. Stopping at WOKEN would
	// strand the machine there forever (the bug spec §8 scenario 5 and
	// AsyncContext.Complete depend on not happening).
	if got := m.Handling(); got != Completing {
		t.Fatalf("got handling %v, want %v", got, Completing)
	}
	if task := m.Unhandle(); task != NoTask {
		t.Fatalf("got %v from Unhandle after TaskComplete, want NoTask", task)
	}
	if got := m.Handling(); got != Completed {
		t.Fatalf("got handling %v after Unhandle, want %v", got, Completed)
	}
}

func TestDispatchFromWaitingReturnsDispatch(t *testing.T) {
	var m Machine
	m.OnRequest()
	m.HandlerReturned(true, false)
	task := m.Dispatch()
	if task != TaskDispatch {
		t.Fatalf("got task %v, want %v", task, TaskDispatch)
	}
}

func TestContentArrivedDuringHandlingCollapses(t *testing.T) {
	var m Machine
	m.OnRequest() // handling == HandlingState

	if task := m.ContentArrived(); task != NoTask {
		t.Fatalf("got task %v during HANDLING, want NoTask (should enqueue)", task)
	}

	// A second poke while still HANDLING must not produce a second task
	// either — multiple pokes collapse into one.
	if task := m.ContentArrived(); task != NoTask {
		t.Fatalf("second poke returned %v, want NoTask", task)
	}

	task := m.HandlerReturned(true, false)
	if task != NoTask {
		t.Fatalf("got task %v, want NoTask (goes to WAITING first)", task)
	}
}

func TestCompleteCollapsedDuringHandlingSurvivesHandlerReturned(t *testing.T) {
	var m Machine
	m.OnRequest() // handling == HandlingState

	// The handler calls StartAsync and then, on the same goroutine,
	// AsyncContext.Complete() before it has returned: this collapses
	// reasonComplete into m.reason rather than running it immediately.
	if task := m.Complete(); task != NoTask {
		t.Fatalf("got task %v collapsing mid-HANDLING, want NoTask", task)
	}

	// HandlerReturned(true, true) must not demote the collapsed
	// complete() into a plain read callback.
	task := m.HandlerReturned(true, m.Woken())
	if task != TaskComplete {
		t.Fatalf("got task %v, want %v (collapsed complete must not become a read callback)", task, TaskComplete)
	}
	if got := m.Handling(); got != Completing {
		t.Fatalf("got handling %v, want %v", got, Completing)
	}
}

func TestErrorTakesPriorityOverReadWhenCollapsed(t *testing.T) {
	var m Machine
	m.OnRequest()
	m.ContentArrived()          // collapses reasonRead
	m.OnError(errBoom)          // collapses reasonError, must win
	m.HandlerReturned(true, false)

	task := m.Unhandle()
	if task != TaskErrorDispatch {
		t.Fatalf("got task %v, want %v (error must win over read)", task, TaskErrorDispatch)
	}
}

func TestUnhandleDrainsExactlyOneCollapsedWake(t *testing.T) {
	var m Machine
	m.OnRequest()
	m.ContentArrived()
	m.ContentArrived()
	m.ContentArrived()
	m.HandlerReturned(true, false)

	first := m.Unhandle()
	if first != TaskReadCallback {
		t.Fatalf("got %v, want %v", first, TaskReadCallback)
	}
	// HandlerReturned would run again for the callback and return to
	// WAITING; simulate that before checking there is nothing left.
	m.handling = Waiting
	second := m.Unhandle()
	if second != NoTask {
		t.Fatalf("got %v, want NoTask: multiple pokes must collapse to one task", second)
	}
}

func TestFatalErrorForcesCompletionFromAnyState(t *testing.T) {
	var m Machine
	m.OnRequest()
	m.HandlerReturned(true, false) // now WAITING

	task := m.FatalError(errBoom)
	if task != TaskComplete {
		t.Fatalf("got task %v, want %v", task, TaskComplete)
	}
	if got := m.Handling(); got != Completing {
		t.Fatalf("got handling %v, want %v", got, Completing)
	}
}

func TestCommittedIsStickyAndReportsTrue(t *testing.T) {
	var m Machine
	if m.IsCommitted() {
		t.Fatal("fresh machine should not be committed")
	}
	m.Committed()
	if !m.IsCommitted() {
		t.Fatal("expected IsCommitted true after Committed()")
	}
}

func TestOutstandingChunkTracking(t *testing.T) {
	var m Machine
	m.TrackChunk()
	m.TrackChunk()
	if got := m.OutstandingChunks(); got != 2 {
		t.Fatalf("got %d outstanding, want 2", got)
	}
	m.ReleaseChunk()
	if got := m.OutstandingChunks(); got != 1 {
		t.Fatalf("got %d outstanding, want 1", got)
	}
}

func TestResetReturnsToIdleForPipelining(t *testing.T) {
	var m Machine
	m.OnRequest()
	m.HandlerReturned(false, false) // -> Completing
	m.Unhandle()                    // -> Completed
	m.Reset()
	if got := m.Handling(); got != Idle {
		t.Fatalf("got handling %v after Reset, want %v", got, Idle)
	}
	// Must be usable again immediately.
	if task := m.OnRequest(); task != TaskDispatch {
		t.Fatalf("got task %v after Reset+OnRequest, want %v", task, TaskDispatch)
	}
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
