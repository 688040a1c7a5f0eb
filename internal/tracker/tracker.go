// Package tracker records the nested steps of one workflow session with their
// timing and outcome.
//
// A Tracker is meant for a single logical call stack. Its methods are guarded
// by a mutex, but parent inference through the in-progress stack is only
// meaningful when steps start and finish in call order.
package tracker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskNotActive = errors.New("task is not in progress")
	ErrDuplicateTask = errors.New("task already exists")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusWarning    Status = "warning"
)

type Task struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
	Duration    time.Duration `json:"duration"`
	ParentID    string        `json:"parentId,omitempty"`
	Children    []string      `json:"children,omitempty"`
	Level       int           `json:"level"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func (t *Task) clone() Task {
	c := *t
	c.Children = append([]string(nil), t.Children...)
	if t.EndedAt != nil {
		end := *t.EndedAt
		c.EndedAt = &end
	}
	return c
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	tasks    map[string]*Task
	order    []string
	stack    []string
	children map[string][]string
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:      time.Now,
		tasks:    make(map[string]*Task),
		children: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTask registers id as in progress. An empty parentID means the task at
// the top of the in-progress stack, if any.
func (t *Tracker) StartTask(id, description, parentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start(id, description, parentID, true)
}

func (t *Tracker) start(id, description, parentID string, inferParent bool) error {
	if id == "" {
		return fmt.Errorf("start task: empty id")
	}
	if _, ok := t.tasks[id]; ok {
		return fmt.Errorf("start task %q: %w", id, ErrDuplicateTask)
	}
	if parentID == "" {
		if n := len(t.stack); n > 0 && inferParent {
			parentID = t.stack[n-1]
		}
	} else if _, ok := t.tasks[parentID]; !ok {
		return fmt.Errorf("start task %q: parent %q: %w", id, parentID, ErrTaskNotFound)
	}

	t.tasks[id] = &Task{
		ID:          id,
		Description: description,
		Status:      StatusInProgress,
		StartedAt:   t.now(),
		ParentID:    parentID,
	}
	t.order = append(t.order, id)
	if parentID != "" {
		t.children[parentID] = append(t.children[parentID], id)
		t.tasks[parentID].Children = append(t.tasks[parentID].Children, id)
	}
	t.stack = append(t.stack, id)
	return nil
}

func (t *Tracker) CompleteTask(id string, result any) error {
	return t.finish(id, StatusCompleted, result, nil)
}

func (t *Tracker) FailTask(id string, err error) error {
	return t.finish(id, StatusFailed, nil, err)
}

func (t *Tracker) WarnTask(id string, err error) error {
	return t.finish(id, StatusWarning, nil, err)
}

func (t *Tracker) finish(id string, status Status, result any, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("finish task %q: %w", id, ErrTaskNotFound)
	}
	if task.Status != StatusInProgress {
		return fmt.Errorf("finish task %q (%s): %w", id, task.Status, ErrTaskNotActive)
	}

	end := t.now()
	task.Status = status
	task.EndedAt = &end
	task.Duration = end.Sub(task.StartedAt)
	if task.Duration < 0 {
		task.Duration = 0
	}
	task.Result = result
	if cause != nil {
		task.Error = cause.Error()
	}

	// Overlapping async steps may finish out of order.
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] == id {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			break
		}
	}
	return nil
}

// GetCurrentTask returns the innermost task still in progress.
func (t *Tracker) GetCurrentTask() (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stack) == 0 {
		return Task{}, false
	}
	return t.tasks[t.stack[len(t.stack)-1]].clone(), true
}

func (t *Tracker) Task(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return task.clone(), true
}

// GetTaskHierarchy recomputes every level and returns the root tasks in start
// order.
func (t *Tracker) GetTaskHierarchy() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.computeLevels()

	var roots []Task
	for _, id := range t.order {
		if task := t.tasks[id]; task.ParentID == "" {
			roots = append(roots, task.clone())
		}
	}
	return roots
}

func (t *Tracker) computeLevels() {
	var walk func(id string, level int)
	walk = func(id string, level int) {
		t.tasks[id].Level = level
		for _, child := range t.children[id] {
			walk(child, level+1)
		}
	}
	for _, id := range t.order {
		if t.tasks[id].ParentID == "" {
			walk(id, 0)
		}
	}
}

// Snapshot flattens the tree depth-first with levels computed.
func (t *Tracker) Snapshot() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.computeLevels()

	out := make([]Task, 0, len(t.tasks))
	var walk func(id string)
	walk = func(id string) {
		out = append(out, t.tasks[id].clone())
		for _, child := range t.children[id] {
			walk(child)
		}
	}
	for _, id := range t.order {
		if t.tasks[id].ParentID == "" {
			walk(id)
		}
	}
	return out
}

// TotalDuration sums the duration of every task. Nested time is counted once
// per enclosing task; WallClockDuration gives elapsed time.
func (t *Tracker) TotalDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total time.Duration
	for _, task := range t.tasks {
		total += task.Duration
	}
	return total
}

// WallClockDuration is the span from the earliest start to the latest end.
// Tasks still in progress extend the span to now.
func (t *Tracker) WallClockDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tasks) == 0 {
		return 0
	}

	var first, last time.Time
	for _, task := range t.tasks {
		var end time.Time
		if task.EndedAt != nil {
			end = *task.EndedAt
		} else {
			end = t.now()
		}
		if first.IsZero() || task.StartedAt.Before(first) {
			first = task.StartedAt
		}
		if end.After(last) {
			last = end
		}
	}
	if last.Before(first) {
		return 0
	}
	return last.Sub(first)
}

func (t *Tracker) FindByStatus(status Status) []Task {
	return t.filter(func(task *Task) bool { return task.Status == status })
}

// Search matches text case-insensitively against id, description and error.
func (t *Tracker) Search(text string) []Task {
	needle := strings.ToLower(text)
	return t.filter(func(task *Task) bool {
		return strings.Contains(strings.ToLower(task.ID), needle) ||
			strings.Contains(strings.ToLower(task.Description), needle) ||
			strings.Contains(strings.ToLower(task.Error), needle)
	})
}

func (t *Tracker) filter(keep func(*Task) bool) []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Task
	for _, id := range t.order {
		if task := t.tasks[id]; keep(task) {
			out = append(out, task.clone())
		}
	}
	return out
}

// Outcome summarizes the session: failed if any task failed, warning if any
// warned, in_progress while anything is open, otherwise completed.
func (t *Tracker) Outcome() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tasks) == 0 {
		return StatusPending
	}
	counts := make(map[Status]int)
	for _, task := range t.tasks {
		counts[task.Status]++
	}
	for _, s := range []Status{StatusFailed, StatusWarning, StatusInProgress} {
		if counts[s] > 0 {
			return s
		}
	}
	return StatusCompleted
}

// StartedAt is the earliest task start, zero when nothing has started.
func (t *Tracker) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first time.Time
	for _, task := range t.tasks {
		if first.IsZero() || task.StartedAt.Before(first) {
			first = task.StartedAt
		}
	}
	return first
}
