// Package scheduler runs delayed and recurring message deliveries.
//
// Tasks live in memory and fire through the broker's dispatcher with a
// synthetic sender identity, so receivers can tell scheduled traffic from
// device traffic. A one-second tick drives execution; one-shot tasks are
// removed after firing, recurring tasks re-arm.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftmq/driftmq/internal/id"
	"github.com/driftmq/driftmq/pkg/broker"
	"github.com/driftmq/driftmq/pkg/logging"
)

// Task modes.
const (
	ModeScheduled = "scheduled"
	ModeCountdown = "countdown"
	ModeRecurring = "recurring"
)

// tickInterval is the execution resolution.
const tickInterval = time.Second

var (
	// ErrNotFound is returned for operations on unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTask is wrapped by all validation failures.
	ErrInvalidTask = errors.New("invalid task")
)

// Dispatcher is the delivery capability the scheduler fires through.
type Dispatcher interface {
	DispatchDevice(sender, target string, data json.RawMessage)
	DispatchGroup(sender, group string, data json.RawMessage)
}

// Task is a pending delivery.
type Task struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Mode  string `json:"mode"`
	// Enabled gates firing without losing the task's timing state.
	Enabled bool `json:"enabled"`

	// ExecuteAt is the next fire time in unix milliseconds.
	ExecuteAt int64 `json:"executeAt"`
	// Countdown is the delay in seconds for countdown tasks.
	Countdown int64 `json:"countdown,omitempty"`
	// Interval is the cadence in milliseconds for recurring tasks.
	Interval int64 `json:"interval,omitempty"`

	ToDevice string          `json:"toDevice,omitempty"`
	ToGroup  string          `json:"toGroup,omitempty"`
	Data     json.RawMessage `json:"data"`

	CreatedAt   int64 `json:"createdAt"`
	LastFiredAt int64 `json:"lastFiredAt,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

// CreateRequest holds the fields for a new task.
type CreateRequest struct {
	Owner     string
	Mode      string
	ExecuteAt int64
	Countdown int64
	Interval  int64
	ToDevice  string
	ToGroup   string
	Data      json.RawMessage
}

// UpdateRequest holds a partial task update. Nil fields keep their value.
type UpdateRequest struct {
	Mode      *string
	Enabled   *bool
	ExecuteAt *int64
	Countdown *int64
	Interval  *int64
	ToDevice  *string
	ToGroup   *string
	Data      json.RawMessage
}

// Scheduler owns the task set and the tick loop.
type Scheduler struct {
	dispatch Dispatcher
	log      *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler firing through the given dispatcher.
func New(dispatch Dispatcher) *Scheduler {
	return &Scheduler{
		dispatch: dispatch,
		log:      logging.Nop(),
		tasks:    make(map[string]*Task),
		now:      time.Now,
	}
}

// SetLogger sets the operational logger for the scheduler.
func (s *Scheduler) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Create validates and registers a task.
func (s *Scheduler) Create(req CreateRequest) (*Task, error) {
	nowMs := s.now().UnixMilli()
	task := &Task{
		ID:        id.Short(),
		Owner:     req.Owner,
		Mode:      req.Mode,
		Enabled:   true,
		ExecuteAt: req.ExecuteAt,
		Countdown: req.Countdown,
		Interval:  req.Interval,
		ToDevice:  req.ToDevice,
		ToGroup:   req.ToGroup,
		Data:      req.Data,
		CreatedAt: nowMs,
	}
	if err := s.validate(task, nowMs); err != nil {
		return nil, err
	}
	// A recurring task may carry an explicit first fire time; otherwise the
	// timing parameter sets it.
	if task.Mode != ModeRecurring || task.ExecuteAt == 0 {
		s.arm(task, nowMs)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.log.Info("task created", "id", task.ID, "mode", task.Mode, "owner", task.Owner)
	return task.clone(), nil
}

// Update applies a partial update. Switching mode requires the new mode's
// timing parameter in the same request; setting a countdown always re-arms
// from now.
func (s *Scheduler) Update(taskID string, req UpdateRequest) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	nowMs := s.now().UnixMilli()

	next := task.clone()
	if req.Mode != nil && *req.Mode != task.Mode {
		switch *req.Mode {
		case ModeScheduled:
			if req.ExecuteAt == nil {
				return nil, fmt.Errorf("%w: switching to scheduled requires executeAt", ErrInvalidTask)
			}
		case ModeCountdown:
			if req.Countdown == nil {
				return nil, fmt.Errorf("%w: switching to countdown requires countdown", ErrInvalidTask)
			}
		case ModeRecurring:
			if req.Interval == nil {
				return nil, fmt.Errorf("%w: switching to recurring requires interval", ErrInvalidTask)
			}
		default:
			return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidTask, *req.Mode)
		}
		next.Mode = *req.Mode
	}
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	if req.ExecuteAt != nil {
		next.ExecuteAt = *req.ExecuteAt
	}
	if req.Countdown != nil {
		next.Countdown = *req.Countdown
	}
	if req.Interval != nil {
		next.Interval = *req.Interval
	}
	if req.ToDevice != nil {
		next.ToDevice = *req.ToDevice
	}
	if req.ToGroup != nil {
		next.ToGroup = *req.ToGroup
	}
	if req.Data != nil {
		next.Data = req.Data
	}

	if err := s.validate(next, nowMs); err != nil {
		return nil, err
	}
	if req.Countdown != nil || req.Interval != nil || (req.Mode != nil && *req.Mode != task.Mode) {
		s.arm(next, nowMs)
	}

	s.tasks[taskID] = next
	return next.clone(), nil
}

// Delete removes a task.
func (s *Scheduler) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

// Get returns a task by id.
func (s *Scheduler) Get(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return task.clone(), nil
}

// List returns the owner's tasks, or every task when owner is empty.
func (s *Scheduler) List(owner string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if owner != "" && task.Owner != owner {
			continue
		}
		tasks = append(tasks, task.clone())
	}
	return tasks
}

// validate checks mode parameters and the delivery target.
func (s *Scheduler) validate(task *Task, nowMs int64) error {
	if task.ToDevice == "" && task.ToGroup == "" {
		return fmt.Errorf("%w: a toDevice or toGroup target is required", ErrInvalidTask)
	}
	switch task.Mode {
	case ModeScheduled:
		if task.ExecuteAt <= nowMs {
			return fmt.Errorf("%w: executeAt must be in the future", ErrInvalidTask)
		}
	case ModeCountdown:
		if task.Countdown <= 0 {
			return fmt.Errorf("%w: countdown must be positive", ErrInvalidTask)
		}
	case ModeRecurring:
		if task.Interval <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTask, task.Mode)
	}
	return nil
}

// arm sets the next fire time for countdown and recurring tasks.
func (s *Scheduler) arm(task *Task, nowMs int64) {
	switch task.Mode {
	case ModeCountdown:
		task.ExecuteAt = nowMs + task.Countdown*1000
	case ModeRecurring:
		task.ExecuteAt = nowMs + task.Interval
	}
}

// tick fires due tasks. Dispatch happens outside the lock.
func (s *Scheduler) tick() {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []*Task
	for taskID, task := range s.tasks {
		if !task.Enabled || task.ExecuteAt > nowMs {
			continue
		}
		due = append(due, task.clone())
		if task.Mode == ModeRecurring {
			// Re-arm from now so a stalled loop doesn't burst-fire.
			task.ExecuteAt = nowMs + task.Interval
			task.LastFiredAt = nowMs
		} else {
			delete(s.tasks, taskID)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.fire(task)
	}
}

func (s *Scheduler) fire(task *Task) {
	s.log.Info("task fired", "id", task.ID, "mode", task.Mode,
		"toDevice", task.ToDevice, "toGroup", task.ToGroup)
	if task.ToDevice != "" {
		s.dispatch.DispatchDevice(broker.SchedulerSender, task.ToDevice, task.Data)
		return
	}
	s.dispatch.DispatchGroup(broker.SchedulerSender, task.ToGroup, task.Data)
}
