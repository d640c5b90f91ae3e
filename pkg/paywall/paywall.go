package paywall

import (
	"context"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
)

// MetaKeyPayment is the Response.Meta key carrying the settlement Outcome
const MetaKeyPayment = "payment"

// State is a step of a paid call, reported at debug level
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateExecuting       State = "executing"
	StateSettling        State = "settling"
	StateStreaming       State = "streaming"
	StateSettlingAtEnd   State = "settling_at_end"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Config configures a Paywall
type Config struct {
	// ResourceID identifies the owning resource (agent) at the ledger
	ResourceID string

	// ServerName is the authority of logical identifiers (mcp://{ServerName}/...)
	ServerName string

	Ledger ledger.Ledger
	Policy RedemptionPolicy
	Logger *zerolog.Logger

	// Recorder observes every settlement, e.g. for usage metering
	Recorder Recorder

	// DisableTrailer stops streams from ending with a *Trailer item.
	// Response.Settlement is published either way.
	DisableTrailer bool
}

// Route declares a paid handler
type Route struct {
	Kind        Kind
	Name        string
	Credits     Credits
	Description string
}

// Call is one invocation of a paid handler. Tools and prompts use Args;
// resources use URI and Variables; endpoints use Request.URL.
type Call struct {
	Kind      Kind
	Name      string
	Args      map[string]any
	URI       string
	Variables map[string]string
	Request   *RequestInfo
}

// Context is injected into the inner handler
type Context struct {
	Auth               *AuthorizationRecord
	ProvisionalCredits int64
}

// Response is a handler result. Set exactly one of Value and Stream.
type Response struct {
	Value any
	Meta  map[string]any

	// Stream is consumed once. The paywall settles after it ends.
	Stream iter.Seq2[any, error]

	// Settlement is set by the paywall on streaming responses
	Settlement *Settlement
}

// Handler is a paid handler. It receives the paywall Context on top of the call.
type Handler func(ctx context.Context, call Call, pc Context) (*Response, error)

// Endpoint is a wrapped handler
type Endpoint func(ctx context.Context, call Call) (*Response, error)

// Paywall gates handlers behind the ledger
type Paywall struct {
	mu     sync.RWMutex
	cfg    Config
	auth   *Authenticator
	settle *Settler
	logger zerolog.Logger

	locked atomic.Bool
}

// New creates a paywall
func New(cfg Config) *Paywall {
	p := &Paywall{}
	p.apply(cfg)
	return p
}

// Configure replaces the configuration. It fails with ErrConfigLocked once
// a call has been accepted.
func (p *Paywall) Configure(cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked.Load() {
		return ErrConfigLocked
	}
	p.applyLocked(cfg)
	return nil
}

func (p *Paywall) apply(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(cfg)
}

func (p *Paywall) applyLocked(cfg Config) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "paywall").Logger()
	}
	p.cfg = cfg
	p.logger = logger
	p.auth = NewAuthenticator(cfg.Ledger, cfg.ResourceID, &logger)
	p.settle = NewSettler(cfg.Ledger, cfg.Policy, &logger, cfg.Recorder)
}

// Config returns the current configuration
func (p *Paywall) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Authenticator returns the authenticator bound to the current configuration
func (p *Paywall) Authenticator() *Authenticator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.auth
}

// Settler returns the settler bound to the current configuration
func (p *Paywall) Settler() *Settler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settle
}

// Logger returns the paywall logger
func (p *Paywall) Logger() *zerolog.Logger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &p.logger
}

type snapshot struct {
	cfg    Config
	auth   *Authenticator
	settle *Settler
	logger zerolog.Logger
}

// Accept validates the configuration for a new call and locks it.
// Transport adapters that run their own flow call it before authenticating.
func (p *Paywall) Accept() error {
	_, err := p.accept()
	return err
}

func (p *Paywall) accept() (snapshot, error) {
	p.mu.RLock()
	s := snapshot{cfg: p.cfg, auth: p.auth, settle: p.settle, logger: p.logger}
	p.mu.RUnlock()

	if strings.TrimSpace(s.cfg.ResourceID) == "" {
		return s, Misconfiguration("owning resource identifier is not configured")
	}
	if s.cfg.Ledger == nil {
		return s, Misconfiguration("ledger is not configured")
	}
	p.locked.Store(true)
	return s, nil
}

// Resource returns the logical resource a call targets, with its call arguments
func (p *Paywall) Resource(route Route, call Call) (LogicalResource, map[string]any) {
	p.mu.RLock()
	server := p.cfg.ServerName
	p.mu.RUnlock()
	return resolveResource(server, route, call)
}

func resolveResource(server string, route Route, call Call) (LogicalResource, map[string]any) {
	name := route.Name
	if call.Name != "" {
		name = call.Name
	}

	switch route.Kind {
	case KindResource:
		if call.URI != "" {
			name = call.URI
		}
		var args map[string]any
		if len(call.Variables) > 0 {
			args = make(map[string]any, len(call.Variables))
			for k, v := range call.Variables {
				args[k] = v
			}
		}
		return LogicalResource{Kind: KindResource, Server: server, Name: name, Args: args}, args

	case KindEndpoint:
		if call.Request != nil && call.Request.URL != "" {
			name = call.Request.URL
		}
		return LogicalResource{Kind: KindEndpoint, Server: server, Name: name, Args: call.Args}, call.Args

	default:
		kind := route.Kind
		if kind == "" {
			kind = KindTool
		}
		return LogicalResource{Kind: kind, Server: server, Name: name, Args: call.Args}, call.Args
	}
}

// Wrap gates h behind the paywall. Handler errors are returned unchanged;
// authentication failures are payment-required errors; settlement failures
// follow the redemption policy.
func (p *Paywall) Wrap(route Route, h Handler) Endpoint {
	return func(ctx context.Context, call Call) (*Response, error) {
		s, err := p.accept()
		if err != nil {
			return nil, err
		}
		logger := s.logger.With().Str("route", route.Name).Logger()
		trace := func(state State) {
			logger.Debug().Str("state", string(state)).Msg("paywall state")
		}
		trace(StateUnauthenticated)

		res, args := resolveResource(s.cfg.ServerName, route, call)
		auth, err := s.auth.Authenticate(ctx, call.Request, res)
		if err != nil {
			trace(StateFailed)
			return nil, err
		}
		trace(StateAuthenticated)

		provisional := ResolveCredits(route.Credits, args, nil, auth)
		trace(StateExecuting)
		resp, err := h(ctx, call, Context{Auth: auth, ProvisionalCredits: provisional})
		if err != nil {
			trace(StateFailed)
			return nil, err
		}
		if resp == nil {
			resp = &Response{}
		}

		if resp.Stream != nil {
			trace(StateStreaming)
			return s.wrapStream(ctx, route, args, auth, resp, trace), nil
		}

		trace(StateSettling)
		credits := ResolveCredits(route.Credits, args, resp.Value, auth)
		outcome, err := s.settle.settle(context.WithoutCancel(ctx), auth, credits, FlowSync)
		if err != nil {
			trace(StateFailed)
			return nil, err
		}
		if resp.Meta == nil {
			resp.Meta = make(map[string]any, 1)
		}
		resp.Meta[MetaKeyPayment] = outcome
		trace(StateDone)
		return resp, nil
	}
}

// Outcome returns the settlement outcome attached to a plain response
func (r *Response) Outcome() (Outcome, bool) {
	if r == nil || r.Meta == nil {
		return Outcome{}, false
	}
	o, ok := r.Meta[MetaKeyPayment].(Outcome)
	return o, ok
}
