package paywall

// CreditsRequest describes the call a dynamic cost is computed for
type CreditsRequest struct {
	Credential        string
	LogicalResourceID string
	DerivedName       string
}

// CreditsContext is handed to dynamic cost functions. Result is nil for the
// provisional resolution made before the handler runs; for streams it holds
// every item produced, as []any.
type CreditsContext struct {
	Args    map[string]any
	Result  any
	Request CreditsRequest
}

// CreditsFunc computes the cost of a call
type CreditsFunc func(CreditsContext) int64

// Credits is the cost option of a route. The zero value costs one credit.
type Credits struct {
	fixed int64
	fn    CreditsFunc
	set   bool
}

// Fixed costs n credits regardless of arguments and result
func Fixed(n int64) Credits {
	return Credits{fixed: n, set: true}
}

// Dynamic computes the cost from the call and its result
func Dynamic(fn CreditsFunc) Credits {
	if fn == nil {
		return Credits{}
	}
	return Credits{fn: fn, set: true}
}

// IsDynamic reports whether the cost depends on the call
func (c Credits) IsDynamic() bool { return c.fn != nil }

// ResolveCredits returns the credits a call costs. Negative costs clamp to 0.
func ResolveCredits(opt Credits, args map[string]any, result any, auth *AuthorizationRecord) int64 {
	var credits int64
	switch {
	case !opt.set:
		credits = 1
	case opt.fn == nil:
		credits = opt.fixed
	default:
		req := CreditsRequest{DerivedName: DerivedNamePlaceholder}
		if auth != nil {
			req = CreditsRequest{
				Credential:        auth.Credential,
				LogicalResourceID: auth.LogicalResourceID,
				DerivedName:       DerivedName(auth.LogicalResourceID),
			}
		}
		credits = opt.fn(CreditsContext{Args: args, Result: result, Request: req})
	}
	if credits < 0 {
		return 0
	}
	return credits
}
