package a2a

import (
	"context"
	"errors"
	"testing"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

func newTestFinalizer(l ledger.Ledger, results ResultManager, configs RedemptionConfigSource) *Finalizer {
	return NewFinalizer(FinalizerConfig{
		Settler:    paywall.NewSettler(l, paywall.RedemptionPolicy{}, nil, nil),
		ResourceID: testResourceID,
		Configs:    configs,
		Results:    results,
	})
}

func completedTask(id string) *Task {
	return &Task{ID: id, ContextID: "ctx", Status: TaskStatus{State: TaskStateCompleted}, Kind: "task"}
}

func TestFinalize_NoCreditsUsed(t *testing.T) {
	l := newTestLedger()
	tasks := NewInMemoryTaskStore()
	f := newTestFinalizer(l, tasks, nil)

	event := StatusUpdate("task-1", "ctx", TaskStateCompleted, true, nil)
	if out := f.Finalize(context.Background(), Entry{Credential: validToken}, event, completedTask("task-1")); out != nil {
		t.Errorf("expected no settlement, got %+v", out)
	}
	if l.Calls().VerifyAndSettle != 0 {
		t.Error("free completion must not reach the ledger")
	}
	if tasks.Changes("task-1") != 0 {
		t.Error("result manager must not be notified")
	}
}

func TestFinalize_Settles(t *testing.T) {
	l := newTestLedger()
	tasks := NewInMemoryTaskStore()
	f := newTestFinalizer(l, tasks, nil)

	task := completedTask("task-1")
	event := StatusUpdate("task-1", "ctx", TaskStateCompleted, true, map[string]any{MetaCreditsUsed: 3})
	out := f.Finalize(context.Background(), Entry{Credential: validToken}, event, task)
	if out == nil || !out.Success {
		t.Fatalf("expected settlement, got %+v", out)
	}

	calls := l.Calls()
	if calls.VerifyAndSettle != 1 {
		t.Errorf("expected one settlement call, got %d", calls.VerifyAndSettle)
	}
	if got := l.Credits(validToken); got != 17 {
		t.Errorf("expected 3 credits charged, balance %d", got)
	}
	for name, meta := range map[string]map[string]any{"event": event.Metadata, "task": task.Metadata} {
		if meta[MetaTransactionRef] != out.TransactionRef {
			t.Errorf("%s: expected transaction ref %q, got %v", name, out.TransactionRef, meta[MetaTransactionRef])
		}
		if meta[MetaCreditsCharged] != int64(3) {
			t.Errorf("%s: expected 3 credits charged, got %v", name, meta[MetaCreditsCharged])
		}
	}
	if tasks.Changes("task-1") != 1 {
		t.Errorf("expected one change notification, got %d", tasks.Changes("task-1"))
	}
}

func TestFinalize_MarginConfig(t *testing.T) {
	l := newTestLedger()
	configs := StaticRedemptionConfigs{testResourceID: {UseMargin: true}}
	f := newTestFinalizer(l, nil, configs)

	event := StatusUpdate("task-1", "ctx", TaskStateCompleted, true, map[string]any{MetaCreditsUsed: 10})
	out := f.Finalize(context.Background(), Entry{Credential: validToken}, event, completedTask("task-1"))
	if out == nil || out.CreditsRedeemed != 11 {
		t.Fatalf("expected 11 credits with the default margin, got %+v", out)
	}
}

type failingConfigs struct{}

func (failingConfigs) RedemptionConfig(context.Context, string) (paywall.RedemptionConfig, error) {
	return paywall.RedemptionConfig{UseMargin: true}, errors.New("config service down")
}

func TestFinalize_ConfigErrorUsesDefaults(t *testing.T) {
	l := newTestLedger()
	f := newTestFinalizer(l, nil, failingConfigs{})

	event := StatusUpdate("task-1", "ctx", TaskStateCompleted, true, map[string]any{MetaCreditsUsed: 10})
	out := f.Finalize(context.Background(), Entry{Credential: validToken}, event, completedTask("task-1"))
	if out == nil || out.CreditsRedeemed != 10 {
		t.Fatalf("expected unadjusted 10 credits, got %+v", out)
	}
}

func TestFinalize_LedgerFailureSwallowed(t *testing.T) {
	l := newTestLedger()
	l.FailNext(ledger.OpVerifyAndSettle, errors.New("ledger down"))
	tasks := NewInMemoryTaskStore()
	f := newTestFinalizer(l, tasks, nil)

	task := completedTask("task-1")
	event := StatusUpdate("task-1", "ctx", TaskStateCompleted, true, map[string]any{MetaCreditsUsed: 2})
	if out := f.Finalize(context.Background(), Entry{Credential: validToken}, event, task); out != nil {
		t.Fatalf("expected no outcome, got %+v", out)
	}
	if _, ok := task.Metadata[MetaTransactionRef]; ok {
		t.Error("failed settlement must not write a transaction ref")
	}
	if task.Status.State != TaskStateCompleted {
		t.Errorf("task must stay completed, got %s", task.Status.State)
	}
}

func TestFinalize_UndecodableCredential(t *testing.T) {
	l := newTestLedger()
	f := newTestFinalizer(l, nil, nil)

	event := StatusUpdate("task-1", "ctx", TaskStateCompleted, true, map[string]any{MetaCreditsUsed: 2})
	if out := f.Finalize(context.Background(), Entry{Credential: "opaque"}, event, completedTask("task-1")); out != nil {
		t.Fatalf("expected no outcome, got %+v", out)
	}
	if l.Calls().VerifyAndSettle != 0 {
		t.Error("expected no ledger call")
	}
}
