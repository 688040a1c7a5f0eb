package tracker

import (
	"context"
	"strconv"
)

type ctxKey struct{}

type scope struct {
	tracker *Tracker
	taskID  string
}

// WithTracker attaches t to ctx. Steps started from the returned context are
// roots.
func WithTracker(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, ctxKey{}, scope{tracker: t})
}

func FromContext(ctx context.Context) *Tracker {
	s, _ := ctx.Value(ctxKey{}).(scope)
	return s.tracker
}

// Step is a handle on a started task. A nil Step, returned when ctx carries
// no tracker, ignores every call.
type Step struct {
	tracker *Tracker
	id      string
}

// Start begins a task named name under the task carried by ctx and returns a
// context carrying the new task as the parent of nested steps. Repeated names
// get a numeric suffix.
func Start(ctx context.Context, name, description string) (context.Context, *Step) {
	s, ok := ctx.Value(ctxKey{}).(scope)
	if !ok || s.tracker == nil {
		return ctx, nil
	}

	id, err := s.tracker.startUnique(name, description, s.taskID)
	if err != nil {
		return ctx, nil
	}
	return context.WithValue(ctx, ctxKey{}, scope{tracker: s.tracker, taskID: id}), &Step{tracker: s.tracker, id: id}
}

func (s *Step) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Step) Complete(result any) {
	if s == nil {
		return
	}
	_ = s.tracker.CompleteTask(s.id, result)
}

func (s *Step) Fail(err error) {
	if s == nil {
		return
	}
	_ = s.tracker.FailTask(s.id, err)
}

func (s *Step) Warn(err error) {
	if s == nil {
		return
	}
	_ = s.tracker.WarnTask(s.id, err)
}

// startUnique starts a task under parentID, suffixing name until it is free.
// An empty parentID makes a root.
func (t *Tracker) startUnique(name, description, parentID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := name
	for n := 2; ; n++ {
		if _, taken := t.tasks[id]; !taken {
			break
		}
		id = name + "#" + strconv.Itoa(n)
	}
	return id, t.start(id, description, parentID, false)
}
