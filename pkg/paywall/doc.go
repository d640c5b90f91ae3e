// Package paywall gates handlers behind a credit ledger.
//
// A Paywall authenticates the caller's bearer credential against the
// ledger, runs the wrapped handler, resolves what the call cost and redeems
// those credits once the result (or the end of a stream) is known.
//
// Basic usage:
//
//	pw := paywall.New(paywall.Config{
//		ResourceID: "res_weather",
//		ServerName: "weather",
//		Ledger:     ledger.NewHTTPClient(ledger.ClientConfig{Endpoint: "http://ledger:8090"}),
//	})
//
//	forecast := pw.Wrap(paywall.Route{
//		Kind:    paywall.KindTool,
//		Name:    "forecast",
//		Credits: paywall.Fixed(2),
//	}, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
//		return &paywall.Response{Value: lookupForecast(call.Args)}, nil
//	})
//
// Plain results carry the settlement outcome in Response.Meta["payment"].
// Streaming results are wrapped so settlement runs exactly once when the
// stream ends, stops early or fails; the outcome is then published on
// Response.Settlement and, unless disabled, appended as a *Trailer item.
//
// Settlement failures follow the RedemptionPolicy. Under PolicyIgnore (the
// default) a failed redemption is logged and the call still succeeds with
// an outcome reporting success=false and the intended credits, so the
// caller is never refused a result it already received. Deployments that
// prefer billing precision over availability select PolicyPropagate.
package paywall
