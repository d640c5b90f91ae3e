package paywall

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStreamConsumed is yielded when a paid stream is ranged over twice
var ErrStreamConsumed = errors.New("paywall: stream already consumed")

// Trailer is the last item of a paid stream. Consumers tell it apart from
// payload items by type.
type Trailer struct {
	Payment Outcome `json:"payment"`
}

// AsTrailer reports whether a stream item is the settlement trailer
func AsTrailer(item any) (*Trailer, bool) {
	t, ok := item.(*Trailer)
	return t, ok && t != nil
}

// Settlement is resolved once the stream it belongs to has been settled
type Settlement struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func newSettlement() *Settlement {
	return &Settlement{done: make(chan struct{})}
}

func (s *Settlement) resolve(outcome Outcome, err error) {
	s.once.Do(func() {
		s.outcome = outcome
		s.err = err
		close(s.done)
	})
}

// Done is closed when the settlement is known
func (s *Settlement) Done() <-chan struct{} { return s.done }

// Result returns the settlement. It is only meaningful after Done is closed.
func (s *Settlement) Result() (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, s.err
	default:
		return Outcome{}, errors.New("paywall: settlement pending")
	}
}

// Wait blocks until the settlement is known or ctx is done
func (s *Settlement) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, s.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// wrapStream defers settlement to the end of the stream. The real cost is
// resolved from every item produced; it runs exactly once whether the
// stream ends, fails or the consumer stops early.
func (s snapshot) wrapStream(ctx context.Context, route Route, args map[string]any, auth *AuthorizationRecord, resp *Response, trace func(State)) *Response {
	inner := resp.Stream
	settlement := newSettlement()
	trailer := !s.cfg.DisableTrailer
	var consumed atomic.Bool

	stream := func(yield func(any, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}

		var produced []any
		var once sync.Once
		var outcome Outcome
		var settleErr error
		finish := func() {
			once.Do(func() {
				trace(StateSettlingAtEnd)
				credits := ResolveCredits(route.Credits, args, produced, auth)
				outcome, settleErr = s.settle.settle(context.WithoutCancel(ctx), auth, credits, FlowStream)
				settlement.resolve(outcome, settleErr)
				if settleErr != nil {
					trace(StateFailed)
					return
				}
				trace(StateDone)
			})
		}
		defer finish()

		for item, err := range inner {
			if err != nil {
				yield(nil, err)
				return
			}
			produced = append(produced, item)
			if !yield(item, nil) {
				return
			}
		}

		finish()
		if settleErr != nil {
			yield(nil, settleErr)
			return
		}
		if trailer {
			yield(&Trailer{Payment: outcome}, nil)
		}
	}

	return &Response{
		Meta:       resp.Meta,
		Stream:     stream,
		Settlement: settlement,
	}
}
