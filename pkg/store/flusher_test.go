package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coretrusts/amdb/pkg/config"
	"github.com/coretrusts/amdb/pkg/dberrors"
)

func countingFlusher(cfg config.FlushConfig, passes *atomic.Int32) *Flusher {
	return NewFlusher(cfg, func(string, bool) FlushStatus {
		passes.Add(1)
		return FlushStatus{}
	})
}

func TestFlushDebounceIdempotence(t *testing.T) {
	var passes atomic.Int32
	f := countingFlusher(config.FlushConfig{
		DebounceInterval: 100 * time.Millisecond,
		WaitTimeout:      2 * time.Second,
	}, &passes)
	defer f.Close()

	// First call runs a physical pass.
	status, err := f.Flush(FlushOptions{Synchronous: true})
	if err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	if status.Deferred {
		t.Fatal("first flush must not be deferred")
	}

	// Debounced calls inside the cooldown report deferred success, no I/O.
	for i := 0; i < 3; i++ {
		status, err = f.Flush(FlushOptions{Debounce: true})
		if err != nil {
			t.Fatalf("debounced flush failed: %v", err)
		}
		if !status.Deferred {
			t.Fatal("flush inside the cooldown must defer")
		}
	}
	if got := passes.Load(); got != 1 {
		t.Fatalf("debounced calls must not run physical passes, got %d", got)
	}

	// The one deferred pass executes after the cooldown.
	time.Sleep(300 * time.Millisecond)
	if got := passes.Load(); got != 2 {
		t.Fatalf("expected exactly one deferred pass, got %d total", got)
	}
}

func TestFlushNonDebouncedRunsImmediately(t *testing.T) {
	var passes atomic.Int32
	f := countingFlusher(config.FlushConfig{
		DebounceInterval: time.Hour,
		WaitTimeout:      2 * time.Second,
	}, &passes)
	defer f.Close()

	for i := 0; i < 2; i++ {
		status, err := f.Flush(FlushOptions{Synchronous: true})
		if err != nil {
			t.Fatalf("flush %d failed: %v", i, err)
		}
		if status.PassID == "" {
			t.Fatal("a served pass must carry an identifier")
		}
	}
	if got := passes.Load(); got != 2 {
		t.Fatalf("non-debounced calls must each run, got %d passes", got)
	}
}

func TestFlushSyncCallerDuringRunningPassGetsFollowUp(t *testing.T) {
	var passes atomic.Int32
	release := make(chan struct{})
	f := NewFlusher(
		config.FlushConfig{DebounceInterval: time.Millisecond, WaitTimeout: 2 * time.Second},
		func(string, bool) FlushStatus {
			if passes.Add(1) == 1 {
				<-release
			}
			return FlushStatus{}
		},
	)
	defer f.Close()

	go f.Flush(FlushOptions{Synchronous: true})
	time.Sleep(50 * time.Millisecond) // first pass is now running

	// A caller arriving mid-pass missed that pass's snapshot, so its
	// request is served by a follow-up pass.
	done := make(chan error, 1)
	go func() {
		_, err := f.Flush(FlushOptions{Synchronous: true})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("synchronous flush during a running pass failed: %v", err)
	}
	if got := passes.Load(); got != 2 {
		t.Fatalf("expected the running pass plus one follow-up, got %d", got)
	}
}

func TestFlushForceFollowUpAfterPlainPass(t *testing.T) {
	type call struct{ force bool }
	var calls []call
	release := make(chan struct{})
	f := NewFlusher(
		config.FlushConfig{DebounceInterval: 10 * time.Millisecond, WaitTimeout: 2 * time.Second},
		func(_ string, force bool) FlushStatus {
			calls = append(calls, call{force: force})
			if len(calls) == 1 {
				<-release
			}
			return FlushStatus{}
		},
	)
	defer f.Close()

	go f.Flush(FlushOptions{Synchronous: true})
	time.Sleep(50 * time.Millisecond) // plain pass running

	// A force request against a plain pass needs its own follow-up.
	if _, err := f.Flush(FlushOptions{ForceSync: true}); err != nil {
		t.Fatalf("force flush failed: %v", err)
	}
	close(release)
	time.Sleep(200 * time.Millisecond)

	if len(calls) != 2 {
		t.Fatalf("expected a follow-up pass, got %d passes", len(calls))
	}
	if calls[0].force || !calls[1].force {
		t.Fatalf("expected plain then force, got %+v", calls)
	}
}

func TestFlushSyncTimeout(t *testing.T) {
	f := NewFlusher(
		config.FlushConfig{DebounceInterval: time.Millisecond, WaitTimeout: 50 * time.Millisecond},
		func(string, bool) FlushStatus {
			time.Sleep(500 * time.Millisecond)
			return FlushStatus{}
		},
	)
	defer f.Close()

	_, err := f.Flush(FlushOptions{Synchronous: true})
	if !errors.Is(err, dberrors.ErrFlushTimeout) {
		t.Fatalf("expected ErrFlushTimeout, got %v", err)
	}
}

func TestFlushSurfacesStepErrors(t *testing.T) {
	stepErr := fmt.Errorf("disk full")
	f := NewFlusher(
		config.FlushConfig{DebounceInterval: time.Millisecond, WaitTimeout: 2 * time.Second},
		func(string, bool) FlushStatus {
			var status FlushStatus
			status.record("run_write", stepErr)
			status.record("wal_sync", nil)
			return status
		},
	)
	defer f.Close()

	status, err := f.Flush(FlushOptions{Synchronous: true})
	if err == nil {
		t.Fatal("expected aggregated step error")
	}
	if !status.StepFailed("run_write") {
		t.Fatal("run_write must be reported failed")
	}
	if status.StepFailed("wal_sync") {
		t.Fatal("wal_sync must be reported successful")
	}

	var perr *dberrors.PersistenceError
	if !errors.As(err, &perr) || perr.Step != "run_write" {
		t.Fatalf("expected a persistence error tagged run_write, got %v", err)
	}
}

func TestFlusherClosed(t *testing.T) {
	f := NewFlusher(
		config.FlushConfig{DebounceInterval: time.Millisecond, WaitTimeout: time.Second},
		func(string, bool) FlushStatus { return FlushStatus{} },
	)
	f.Close()

	if _, err := f.Flush(FlushOptions{Synchronous: true}); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
