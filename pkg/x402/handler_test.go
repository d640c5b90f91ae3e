package x402

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

type sseEvent struct {
	Event string
	Data  string
}

func readEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			events = append(events, cur)
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func chunks(items ...string) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func TestHandler_JSONResult(t *testing.T) {
	l := newTestLedger()
	route := paywall.Route{Name: "forecast", Credits: paywall.Fixed(3)}
	h := Handler(newTestPaywall(l, nil), route, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		if pc.ProvisionalCredits != 3 {
			t.Errorf("Expected provisional credits 3, got %d", pc.ProvisionalCredits)
		}
		return &paywall.Response{Value: map[string]any{"city": call.Args["city"]}}, nil
	}, DocumentConfig{})

	req := httptest.NewRequest("POST", "/forecast", strings.NewReader(`{"city":"Lisbon"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+validToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	decodeJSON(t, w.Body, &body)
	if body["city"] != "Lisbon" {
		t.Errorf("Expected city from body, got %v", body["city"])
	}

	outcome, err := paywall.ParseOutcomeHeader(w.Header().Get(HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("Failed to decode payment-response header: %v", err)
	}
	if outcome.CreditsRedeemed != 3 {
		t.Errorf("Expected 3 credits, got %d", outcome.CreditsRedeemed)
	}
}

func TestHandler_QueryArgs(t *testing.T) {
	l := newTestLedger()
	h := Handler(newTestPaywall(l, nil), paywall.Route{Name: "echo"}, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		return &paywall.Response{Value: call.Args}, nil
	}, DocumentConfig{})

	req := httptest.NewRequest("GET", "/echo?q=rain", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	decodeJSON(t, w.Body, &body)
	if body["q"] != "rain" {
		t.Errorf("Expected query args, got %v", body)
	}
}

func TestHandler_InvalidBody(t *testing.T) {
	h := Handler(newTestPaywall(newTestLedger(), nil), paywall.Route{Name: "echo"}, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		t.Error("handler must not run")
		return nil, nil
	}, DocumentConfig{})

	req := httptest.NewRequest("POST", "/echo", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_PaymentRequired(t *testing.T) {
	h := Handler(newTestPaywall(newTestLedger(), nil), paywall.Route{Name: "echo"}, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		t.Error("handler must not run")
		return nil, nil
	}, DocumentConfig{Scheme: SchemeExact, Network: NetworkBaseMainnet})

	req := httptest.NewRequest("GET", "/echo", nil)
	req.Header.Set("Authorization", "Bearer broke")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", w.Code)
	}
	doc, err := ParsePaymentRequiredHeader(w.Header().Get(HeaderPaymentRequired))
	if err != nil {
		t.Fatalf("Failed to decode payment-required header: %v", err)
	}
	if doc.Accepts[0].Scheme != SchemeExact || doc.Accepts[0].Network != NetworkBaseMainnet {
		t.Errorf("Document config not applied: %+v", doc.Accepts[0])
	}
}

func TestHandler_StreamWithTrailer(t *testing.T) {
	l := newTestLedger()
	route := paywall.Route{
		Name: "story",
		Credits: paywall.Dynamic(func(c paywall.CreditsContext) int64 {
			items, _ := c.Result.([]any)
			return int64(len(items))
		}),
	}
	h := Handler(newTestPaywall(l, nil), route, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		return &paywall.Response{Stream: chunks("once", "upon", "a time")}, nil
	}, DocumentConfig{})

	req := httptest.NewRequest("POST", "/story", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected event stream, got %q", ct)
	}

	events := readEvents(t, w.Body.String())
	if len(events) != 4 {
		t.Fatalf("Expected 3 data events and a payment event, got %d: %+v", len(events), events)
	}
	if events[0].Event != "" || events[0].Data != `"once"` {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	last := events[3]
	if last.Event != EventPaymentResponse {
		t.Fatalf("Expected payment-response event, got %+v", last)
	}
	var outcome paywall.Outcome
	if err := json.Unmarshal([]byte(last.Data), &outcome); err != nil {
		t.Fatalf("Failed to decode outcome: %v", err)
	}
	if !outcome.Success || outcome.CreditsRedeemed != 3 {
		t.Errorf("Unexpected outcome: %+v", outcome)
	}
	if got := l.Calls().Redeem; got != 1 {
		t.Errorf("Expected exactly one redemption, got %d", got)
	}
}

func TestHandler_StreamWithoutTrailer(t *testing.T) {
	l := newTestLedger()
	pw := paywall.New(paywall.Config{ResourceID: testResourceID, Ledger: l, DisableTrailer: true})
	h := Handler(pw, paywall.Route{Name: "story"}, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		return &paywall.Response{Stream: chunks("a", "b")}, nil
	}, DocumentConfig{})

	req := httptest.NewRequest("POST", "/story", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	events := readEvents(t, w.Body.String())
	if len(events) != 3 {
		t.Fatalf("Expected 2 data events and a payment event, got %+v", events)
	}
	if events[2].Event != EventPaymentResponse {
		t.Errorf("Expected the settlement to be published as the last event, got %+v", events[2])
	}
}

func TestHandler_StreamError(t *testing.T) {
	l := newTestLedger()
	h := Handler(newTestPaywall(l, nil), paywall.Route{Name: "story"}, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		return &paywall.Response{Stream: func(yield func(any, error) bool) {
			if !yield("partial", nil) {
				return
			}
			yield(nil, errors.New("model crashed"))
		}}, nil
	}, DocumentConfig{})

	req := httptest.NewRequest("POST", "/story", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	events := readEvents(t, w.Body.String())
	if len(events) != 2 || events[1].Event != EventError {
		t.Fatalf("Expected a data event then an error event, got %+v", events)
	}
	if strings.Contains(events[1].Data, "model crashed") {
		t.Error("Internal error details must not leak")
	}
	if got := l.Calls().Redeem; got != 1 {
		t.Errorf("A failed stream still settles once, got %d redemptions", got)
	}
}

// disconnectingWriter cancels the request once the first event is flushed
type disconnectingWriter struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
}

func (w *disconnectingWriter) Flush() {
	w.ResponseRecorder.Flush()
	w.cancel()
}

func TestHandler_StreamClientDisconnect(t *testing.T) {
	l := newTestLedger()
	route := paywall.Route{
		Name: "story",
		Credits: paywall.Dynamic(func(c paywall.CreditsContext) int64 {
			items, _ := c.Result.([]any)
			return int64(len(items))
		}),
	}
	h := Handler(newTestPaywall(l, nil), route, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		return &paywall.Response{Stream: chunks("once", "upon", "a time")}, nil
	}, DocumentConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("POST", "/story", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+validToken)
	w := &disconnectingWriter{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}
	h.ServeHTTP(w, req)

	events := readEvents(t, w.Body.String())
	if len(events) != 1 || events[0].Data != `"once"` {
		t.Fatalf("Expected only the first event before disconnect, got %+v", events)
	}
	if got := l.Calls().Redeem; got != 1 {
		t.Errorf("Expected exactly one redemption, got %d", got)
	}
	if got := l.Credits(validToken); got != 9 {
		t.Errorf("Expected one credit billed for the item produced, got balance %d", got)
	}
}
