package a2a

import (
	"context"
	"errors"
	"sync"
)

// ErrTaskNotFound is returned for unknown task ids
var ErrTaskNotFound = errors.New("a2a: task not found")

// TaskStore persists tasks
type TaskStore interface {
	Save(ctx context.Context, task *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
}

// ResultManager is told when a stored task object changed outside the
// normal event flow, e.g. when settlement metadata was written into it.
type ResultManager interface {
	TaskChanged(ctx context.Context, task *Task)
}

// InMemoryTaskStore is a TaskStore and ResultManager kept in memory
type InMemoryTaskStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	changes map[string]int
}

var (
	_ TaskStore     = (*InMemoryTaskStore)(nil)
	_ ResultManager = (*InMemoryTaskStore)(nil)
)

// NewInMemoryTaskStore creates an empty store
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks:   make(map[string]*Task),
		changes: make(map[string]int),
	}
}

// Save stores a copy of task
func (s *InMemoryTaskStore) Save(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return errors.New("a2a: task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a copy of the stored task
func (s *InMemoryTaskStore) Get(_ context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// TaskChanged stores the changed task and counts the notification
func (s *InMemoryTaskStore) TaskChanged(_ context.Context, task *Task) {
	if task == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	s.changes[task.ID]++
}

// Changes returns how many TaskChanged notifications a task received
func (s *InMemoryTaskStore) Changes(taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changes[taskID]
}
