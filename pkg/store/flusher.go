package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coretrusts/amdb/pkg/config"
	"github.com/coretrusts/amdb/pkg/dberrors"
)

// FlushOptions shape one flush request.
type FlushOptions struct {
	// Synchronous callers block until a physical pass completes (bounded by
	// the configured wait timeout). Asynchronous callers return immediately.
	Synchronous bool
	// ForceSync additionally persists the version, commitment and index
	// snapshots and advances the durability watermark.
	ForceSync bool
	// Debounce marks the request coalescible: if a pass completed within
	// the configured interval, the request is recorded as pending and
	// reports deferred success without any I/O.
	Debounce bool
}

// StepResult records the outcome of one flush sub-step. Sub-steps are
// isolated, so a pass carries every step's result rather than aborting at
// the first failure.
type StepResult struct {
	Step string
	Err  error
}

// FlushStatus is the outcome of one flush request. A deferred status means
// the request was coalesced into a pass that has not run yet.
type FlushStatus struct {
	PassID   string
	Started  time.Time
	Duration time.Duration
	Deferred bool
	Steps    []StepResult
	Err      error
}

func (s *FlushStatus) record(step string, err error) {
	if err != nil {
		err = dberrors.NewPersistenceError(step, err)
	}
	s.Steps = append(s.Steps, StepResult{Step: step, Err: err})
	s.Err = errors.Join(s.Err, err)
}

// StepFailed reports whether the named sub-step ran and failed.
func (s *FlushStatus) StepFailed(step string) bool {
	for _, sr := range s.Steps {
		if sr.Step == step {
			return sr.Err != nil
		}
	}
	return false
}

// Flusher is the flush protocol's state machine: at most one physical pass
// runs at a time, requests landing inside the debounce cooldown coalesce
// into a single deferred pass, and a request arriving during a running pass
// leaves pending work for a follow-up.
type Flusher struct {
	run      func(passID string, force bool) FlushStatus
	interval time.Duration
	waitMax  time.Duration

	mu            sync.Mutex
	running       bool
	runningForce  bool
	pending       bool
	pendingForce  bool
	timer         *time.Timer
	lastCompleted time.Time
	waiters       []chan FlushStatus
	closed        bool

	wg sync.WaitGroup
}

func NewFlusher(cfg config.FlushConfig, run func(passID string, force bool) FlushStatus) *Flusher {
	return &Flusher{
		run:      run,
		interval: cfg.DebounceInterval,
		waitMax:  cfg.WaitTimeout,
	}
}

// Flush executes the protocol for one request. Deferred and asynchronous
// outcomes report success immediately; a synchronous caller gets the served
// pass's aggregated status, or ErrFlushTimeout if the bounded wait runs out.
func (f *Flusher) Flush(opts FlushOptions) (FlushStatus, error) {
	f.mu.Lock()

	if f.closed {
		f.mu.Unlock()
		return FlushStatus{}, dberrors.ErrClosed
	}

	if f.running {
		// The in-flight pass was snapshotted before this request arrived,
		// so the request always leaves pending work behind.
		f.pending = true
		f.pendingForce = f.pendingForce || opts.ForceSync
		if !opts.Synchronous {
			f.mu.Unlock()
			return FlushStatus{Deferred: true}, nil
		}
		status, err := f.waitLocked()
		if err != nil {
			return status, err
		}
		// Run the follow-up pass unless another caller already claimed it.
		f.mu.Lock()
		switch {
		case f.closed:
			f.mu.Unlock()
			return FlushStatus{}, dberrors.ErrClosed
		case !f.pending:
			f.mu.Unlock()
			return status, nil
		case f.running:
			return f.waitLocked()
		}
		force := f.pendingForce
		f.pending = false
		f.pendingForce = false
		f.startLocked(force)
		return f.waitLocked()
	}

	if opts.Debounce && time.Since(f.lastCompleted) < f.interval {
		f.pending = true
		f.pendingForce = f.pendingForce || opts.ForceSync
		if f.timer == nil {
			remaining := f.interval - time.Since(f.lastCompleted)
			f.timer = time.AfterFunc(remaining, f.fire)
		}
		f.mu.Unlock()
		// Deferred success, by contract without any I/O.
		return FlushStatus{Deferred: true}, nil
	}

	force := opts.ForceSync || f.pendingForce
	f.pending = false
	f.pendingForce = false
	f.startLocked(force)

	if !opts.Synchronous {
		f.mu.Unlock()
		return FlushStatus{Deferred: true}, nil
	}
	return f.waitLocked()
}

// waitLocked registers a waiter for the next completed pass and blocks,
// releasing the mutex. Bounded by the configured wait timeout.
func (f *Flusher) waitLocked() (FlushStatus, error) {
	done := make(chan FlushStatus, 1)
	f.waiters = append(f.waiters, done)
	f.mu.Unlock()

	select {
	case status := <-done:
		return status, status.Err
	case <-time.After(f.waitMax):
		return FlushStatus{}, dberrors.ErrFlushTimeout
	}
}

// fire runs the deferred pass once the cooldown elapses.
func (f *Flusher) fire() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.timer = nil
	if f.closed || f.running || !f.pending {
		// A running pass reschedules pending work itself on completion.
		return
	}
	force := f.pendingForce
	f.pending = false
	f.pendingForce = false
	f.startLocked(force)
}

func (f *Flusher) startLocked(force bool) {
	f.running = true
	f.runningForce = force
	f.wg.Add(1)
	go f.execute(force)
}

func (f *Flusher) execute(force bool) {
	defer f.wg.Done()

	passID := uuid.NewString()
	started := time.Now()
	status := f.run(passID, force)
	status.PassID = passID
	status.Started = started
	status.Duration = time.Since(started)

	f.mu.Lock()
	f.lastCompleted = time.Now()
	f.running = false
	f.runningForce = false

	waiters := f.waiters
	f.waiters = nil

	if f.pending && !f.closed && f.timer == nil {
		f.timer = time.AfterFunc(f.interval, f.fire)
	}
	f.mu.Unlock()

	for _, w := range waiters {
		w <- status
	}
}

// Close cancels deferred work and waits for a running pass to finish.
func (f *Flusher) Close() {
	f.mu.Lock()
	f.closed = true
	f.pending = false
	f.pendingForce = false
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()

	f.wg.Wait()

	f.mu.Lock()
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()
	for _, w := range waiters {
		w <- FlushStatus{Err: dberrors.ErrClosed}
	}
}
