package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
)

// SSE event names
const (
	EventPaymentResponse = "payment-response"
	EventError           = "error"
)

const maxArgsBody = 1 << 20

// Handler serves a paywall handler over HTTP. Arguments come from the JSON
// request body (POST, PUT, PATCH) or the query string. Plain results are
// written as JSON with the payment-response header; streams are written as
// Server-Sent Events, one data event per item, followed by a
// payment-response event once the stream has been settled.
func Handler(pw *paywall.Paywall, route paywall.Route, h paywall.Handler, doc DocumentConfig) http.Handler {
	if route.Kind == "" {
		route.Kind = paywall.KindEndpoint
	}
	endpoint := pw.Wrap(route, h)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		args, err := requestArgs(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body", Code: "BAD_INPUT"})
			return
		}

		info := reqctx.FromHTTP(r)
		ctx := reqctx.With(r.Context(), info)
		resp, err := endpoint(ctx, paywall.Call{
			Kind:    route.Kind,
			Name:    route.Name,
			Args:    args,
			Request: &info,
		})
		if err != nil {
			WriteError(w, r, pw, doc, err)
			return
		}

		if resp.Stream != nil {
			writeEventStream(w, r, pw, resp)
			return
		}

		outcome, _ := resp.Outcome()
		setPaymentResponse(w, outcome)
		writeJSON(w, http.StatusOK, resp.Value)
	})
}

func requestArgs(r *http.Request) (map[string]any, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return queryArgs(r), nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return queryArgs(r), nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, _ := mime.ParseMediaType(ct); mt != "application/json" {
			return queryArgs(r), nil
		}
	}

	var args map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxArgsBody)).Decode(&args); err != nil && err != io.EOF {
		return nil, err
	}
	return args, nil
}

// writeEventStream drains a paid stream as Server-Sent Events. SSE has no
// trailer headers, so the outcome always travels as the last event: the
// paywall trailer item when present, the settlement future otherwise.
func writeEventStream(w http.ResponseWriter, r *http.Request, pw *paywall.Paywall, resp *paywall.Response) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	sentOutcome := false
	for item, err := range resp.Stream {
		if err != nil {
			mapped := paywall.MapError(err)
			writeEvent(w, EventError, ErrorBody{Error: mapped.Message, Code: mapped.TextCode})
			flush()
			return
		}
		if trailer, ok := paywall.AsTrailer(item); ok {
			writeEvent(w, EventPaymentResponse, trailer.Payment)
			sentOutcome = true
			flush()
			continue
		}
		writeEvent(w, "", item)
		flush()
		if r.Context().Err() != nil {
			// Client went away; stopping settles what was produced.
			return
		}
	}

	if sentOutcome || resp.Settlement == nil {
		return
	}
	outcome, err := resp.Settlement.Wait(r.Context())
	if err != nil {
		logger := pw.Logger()
		logger.Debug().Err(err).Msg("stream settlement not published")
		return
	}
	writeEvent(w, EventPaymentResponse, outcome)
	flush()
}

func writeEvent(w io.Writer, event string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(v))
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}
