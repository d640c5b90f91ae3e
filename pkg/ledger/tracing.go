package ledger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/siddimore/x402-credits-paywall/pkg/ledger"

type tracedLedger struct {
	next   Ledger
	tracer trace.Tracer
}

// WithTracing wraps a Ledger so every call runs inside its own span.
// A nil tracer uses the global tracer provider.
func WithTracing(next Ledger, tracer trace.Tracer) Ledger {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &tracedLedger{next: next, tracer: tracer}
}

func (t *tracedLedger) StartRequest(ctx context.Context, resourceID, credential, logicalID, method string) (*StartResult, error) {
	ctx, span := t.tracer.Start(ctx, "ledger.StartRequest", trace.WithAttributes(
		attribute.String("ledger.resource_id", resourceID),
		attribute.String("ledger.logical_id", logicalID),
		attribute.String("ledger.method", method),
	))
	defer span.End()

	result, err := t.next.StartRequest(ctx, resourceID, credential, logicalID, method)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ledger.request_id", result.RequestID),
		attribute.Bool("ledger.subscriber", result.IsSubscriber),
	)
	return result, nil
}

func (t *tracedLedger) Redeem(ctx context.Context, requestID, credential string, credits int64) (*Receipt, error) {
	ctx, span := t.tracer.Start(ctx, "ledger.Redeem", trace.WithAttributes(
		attribute.String("ledger.request_id", requestID),
		attribute.Int64("ledger.credits", credits),
	))
	defer span.End()

	receipt, err := t.next.Redeem(ctx, requestID, credential, credits)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.transaction_ref", receipt.TransactionRef))
	return receipt, nil
}

func (t *tracedLedger) VerifyAndSettle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	ctx, span := t.tracer.Start(ctx, "ledger.VerifyAndSettle", trace.WithAttributes(
		attribute.String("ledger.resource_id", req.ResourceID),
		attribute.Int64("ledger.credits", req.Credits),
		attribute.Bool("ledger.batch", req.Batch),
	))
	defer span.End()

	receipt, err := t.next.VerifyAndSettle(ctx, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.transaction_ref", receipt.TransactionRef))
	return receipt, nil
}

func (t *tracedLedger) ListAlternativeGrants(ctx context.Context, resourceID string) ([]Grant, error) {
	ctx, span := t.tracer.Start(ctx, "ledger.ListAlternativeGrants", trace.WithAttributes(
		attribute.String("ledger.resource_id", resourceID),
	))
	defer span.End()

	grants, err := t.next.ListAlternativeGrants(ctx, resourceID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("ledger.grants", len(grants)))
	return grants, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
