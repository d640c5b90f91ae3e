// Package a2a bills agent tasks whose cost is only known when a later status
// event reports it.
//
// When a task is submitted the caller is authenticated and the credential is
// stored in a CorrelationStore under the task id. The executor runs on its
// own; when it publishes a final status event annotated with creditsUsed the
// Finalizer reads the entry back (Take), settles with the ledger and writes
// the transaction reference into the event and the task. Taking the entry is
// what makes finalization idempotent: a second terminal event finds nothing
// and settles nothing.
package a2a

import (
	"encoding/json"
	"maps"
	"strconv"
	"time"
)

// TaskState is the lifecycle state of a task
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
)

// Terminal reports whether no further transition is expected
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected:
		return true
	}
	return false
}

// Metadata keys written and read by the task flow
const (
	MetaCreditsUsed    = "creditsUsed"
	MetaTransactionRef = "transactionRef"
	MetaCreditsCharged = "creditsCharged"
)

// Part is one piece of message content
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// TextPart builds a text part
func TextPart(text string) Part { return Part{Kind: "text", Text: text} }

// Message is a user or agent message
type Message struct {
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the current status of a task
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Artifact is an output produced by a task
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task is a unit of agent work
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind"`
}

// Clone returns a copy that shares no maps or slices with t
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	c.History = append([]Message(nil), t.History...)
	c.Artifacts = append([]Artifact(nil), t.Artifacts...)
	if t.Status.Message != nil {
		m := *t.Status.Message
		c.Status.Message = &m
	}
	return &c
}

// Event is published by executors
type Event interface {
	taskID() string
}

// TaskStatusUpdateEvent reports a status change. Final marks the last event
// of a task.
type TaskStatusUpdateEvent struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind"`
}

func (e *TaskStatusUpdateEvent) taskID() string { return e.TaskID }

// TaskArtifactUpdateEvent publishes an artifact
type TaskArtifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
	Kind      string   `json:"kind"`
}

func (e *TaskArtifactUpdateEvent) taskID() string { return e.TaskID }

// StatusUpdate builds a status event for a task
func StatusUpdate(taskID, contextID string, state TaskState, final bool, metadata map[string]any) *TaskStatusUpdateEvent {
	return &TaskStatusUpdateEvent{
		TaskID:    taskID,
		ContextID: contextID,
		Status:    TaskStatus{State: state, Timestamp: now()},
		Final:     final,
		Metadata:  metadata,
		Kind:      "status-update",
	}
}

// CreditsUsed reads the creditsUsed annotation. JSON numbers, integers and
// numeric strings are accepted.
func CreditsUsed(metadata map[string]any) (int64, bool) {
	raw, ok := metadata[MetaCreditsUsed]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
