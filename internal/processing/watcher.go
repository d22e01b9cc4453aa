// Package processing drives the upload → poll → download lifecycle of
// extraction tasks on the remote task queue.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nfseportal/pkg/portal"
)

// State is the watcher lifecycle. Transitions only move forward:
// created → polling → succeeded | failed.
type State string

const (
	StateCreated   State = "created"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// TaskAPI is the slice of the upstream client the watcher needs.
type TaskAPI interface {
	GetTaskStatus(ctx context.Context, taskID string) (portal.TaskStatus, error)
}

// Options tune the polling cadence.
type Options struct {
	// PollInterval is the delay between polls while the task is running.
	PollInterval time.Duration
	// RetryInterval is the longer delay applied after a transient transport
	// error, tolerating intermittent connectivity instead of failing.
	RetryInterval time.Duration
	// MaxWait bounds the whole wait. Zero keeps the observed behavior of
	// polling indefinitely until a terminal state.
	MaxWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 3 * time.Second
	}
	return o
}

// Result is the outcome of a successfully completed task.
type Result struct {
	TaskID string
	// ZipID keys the downloadable archive; empty when the task completed
	// without producing one.
	ZipID string
}

// Watcher polls one task until it reaches a terminal state. Cancelling the
// context stops polling without informing the remote task, which may keep
// running.
type Watcher struct {
	tasks  TaskAPI
	taskID string
	opts   Options

	mu    sync.Mutex
	state State
}

// NewWatcher builds a watcher in the created state.
func NewWatcher(tasks TaskAPI, taskID string, opts Options) *Watcher {
	return &Watcher{
		tasks:  tasks,
		taskID: taskID,
		opts:   opts.withDefaults(),
		state:  StateCreated,
	}
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Wait polls until the task succeeds, fails, disappears, or ctx is done.
// Transient transport errors are retried after RetryInterval; a missing task
// (ErrTaskNotFound) fails immediately.
func (w *Watcher) Wait(ctx context.Context) (Result, error) {
	if w.opts.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.MaxWait)
		defer cancel()
	}
	w.setState(StatePolling)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(StateFailed)
			return Result{}, ctx.Err()
		case <-timer.C:
		}

		status, err := w.tasks.GetTaskStatus(ctx, w.taskID)
		if err != nil {
			if errors.Is(err, portal.ErrTaskNotFound) {
				w.setState(StateFailed)
				return Result{}, err
			}
			if ctx.Err() != nil {
				w.setState(StateFailed)
				return Result{}, ctx.Err()
			}
			slog.Warn("task poll failed, retrying", "task_id", w.taskID, "err", err)
			timer.Reset(w.opts.RetryInterval)
			continue
		}

		switch status.State {
		case portal.TaskStateSuccess:
			w.setState(StateSucceeded)
			return Result{TaskID: w.taskID, ZipID: status.Meta.ZipID}, nil
		case portal.TaskStateFailure:
			w.setState(StateFailed)
			return Result{}, fmt.Errorf("task %s failed during processing", w.taskID)
		default:
			// Still running (PENDING, STARTED, RETRY, ...).
			timer.Reset(w.opts.PollInterval)
		}
	}
}
