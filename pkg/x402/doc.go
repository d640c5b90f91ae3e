// Package x402 is the HTTP transport of the credits paywall.
//
// Middleware protects any http.Handler: callers without access get
// HTTP 402 Payment Required with a base64 JSON payment-required document in
// the payment-required header; paid calls get the settlement outcome in the
// payment-response header.
//
// Basic usage:
//
//	pw := paywall.New(paywall.Config{ResourceID: "res_api", Ledger: l})
//
//	handler := x402.Middleware(mux, pw, x402.RouteConfig{
//	    Credits:     paywall.Fixed(1),
//	    ExemptPaths: []string{"/health"},
//	})
//
//	http.ListenAndServe(":8080", handler)
//
// Upstream responses are buffered so that only successful (status < 400)
// responses are billed. Handler serves a paywall handler directly and
// supports streaming results as Server-Sent Events, ending the stream with a
// payment-response event.
package x402
