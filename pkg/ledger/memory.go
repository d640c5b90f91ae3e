package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/siddimore/x402-credits-paywall/internal/idgen"
)

// Account is a credential known to the in-memory ledger
type Account struct {
	Credential        string
	SubscriberAddress string
	PlanID            string
	Credits           int64

	// Resources lists the logical identifiers (or identifier prefixes) this
	// account may access. Empty means every resource.
	Resources []string
}

// Calls counts ledger operations; tests use it to assert settlement happened
// exactly once (or never).
type Calls struct {
	StartRequest    int
	Redeem          int
	VerifyAndSettle int
	ListGrants      int
}

// Op names a ledger operation for failure injection
type Op string

const (
	OpStartRequest    Op = "startRequest"
	OpRedeem          Op = "redeem"
	OpVerifyAndSettle Op = "verifyAndSettle"
	OpListGrants      Op = "listGrants"
)

// DefaultRequestLimit is how many open and how many redeemed request ids
// the in-memory ledger remembers. Older ones are forgotten first.
const DefaultRequestLimit = 10000

type pendingRequest struct {
	credential string
	logicalID  string
}

// idRing remembers the last len(ids) ids pushed
type idRing struct {
	ids  []string
	next int
}

func newIDRing(n int) *idRing {
	return &idRing{ids: make([]string, n)}
}

// push stores id and returns the id it overwrote, if any
func (r *idRing) push(id string) (evicted string) {
	evicted = r.ids[r.next]
	r.ids[r.next] = id
	r.next = (r.next + 1) % len(r.ids)
	return evicted
}

// Memory is an in-process Ledger
type Memory struct {
	mu sync.Mutex

	accounts map[string]*Account
	grants   map[string][]Grant

	// Open requests are forgotten once redeemed or evicted by newer ones
	requests      map[string]*pendingRequest
	openOrder     *idRing
	redeemed      map[string]struct{}
	redeemedOrder *idRing

	// Batched settlements waiting for a flush
	batch     []SettleRequest
	batchID   string
	batchSize int
	flushed   []string

	calls    Calls
	failures map[Op]error
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger. Batched settlements flush
// once ten are pending unless SetBatchSize says otherwise.
func NewMemory() *Memory {
	m := &Memory{
		accounts:  make(map[string]*Account),
		grants:    make(map[string][]Grant),
		batchSize: 10,
		failures:  make(map[Op]error),
	}
	m.resetRequests(DefaultRequestLimit)
	return m
}

func (m *Memory) resetRequests(limit int) {
	m.requests = make(map[string]*pendingRequest)
	m.openOrder = newIDRing(limit)
	m.redeemed = make(map[string]struct{})
	m.redeemedOrder = newIDRing(limit)
}

// AddAccount registers (or replaces) an account
func (m *Memory) AddAccount(account Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := account
	m.accounts[account.Credential] = &a
}

// AddGrant registers an access grant for a resource
func (m *Memory) AddGrant(resourceID string, grant Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[resourceID] = append(m.grants[resourceID], grant)
}

// SetBatchSize sets how many batched settlements trigger a flush
func (m *Memory) SetBatchSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 {
		n = 1
	}
	m.batchSize = n
}

// SetRequestLimit bounds the request ids remembered and forgets the
// current ones
func (m *Memory) SetRequestLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 {
		n = 1
	}
	m.resetRequests(n)
}

// OpenRequests returns the number of requests started and not yet redeemed
func (m *Memory) OpenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// FailNext makes the next call of op return err
func (m *Memory) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Calls returns a snapshot of the operation counters
func (m *Memory) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Credits returns the balance of a credential (0 when unknown)
func (m *Memory) Credits(credential string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[credential]; ok {
		return a.Credits
	}
	return 0
}

// Pending returns the number of batched settlements not yet flushed
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batch)
}

// Flushed returns the ids of the batches flushed so far
func (m *Memory) Flushed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.flushed...)
}

func (m *Memory) takeFailure(op Op) error {
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	delete(m.failures, op)
	return err
}

// StartRequest opens a metered request. It never debits.
func (m *Memory) StartRequest(_ context.Context, resourceID, credential, logicalID, method string) (*StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.StartRequest++
	if err := m.takeFailure(OpStartRequest); err != nil {
		return nil, err
	}

	account, ok := m.accounts[credential]
	if !ok {
		return nil, ErrUnknownCredential
	}

	requestID := idgen.RequestID()
	m.requests[requestID] = &pendingRequest{credential: credential, logicalID: logicalID}
	if evicted := m.openOrder.push(requestID); evicted != "" {
		delete(m.requests, evicted)
	}

	subscriber := account.Credits > 0 && account.allows(logicalID)
	return &StartResult{
		RequestID:    requestID,
		IsSubscriber: subscriber,
		Balance: Balance{
			PlanID:       account.PlanID,
			Credits:      account.Credits,
			IsSubscriber: subscriber,
		},
	}, nil
}

// Redeem burns credits for an opened request
func (m *Memory) Redeem(_ context.Context, requestID, credential string, credits int64) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.Redeem++
	if err := m.takeFailure(OpRedeem); err != nil {
		return nil, err
	}

	pending, ok := m.requests[requestID]
	if !ok {
		if _, done := m.redeemed[requestID]; done {
			return nil, ErrRequestAlreadyRedeemed
		}
		return nil, ErrUnknownRequest
	}
	if pending.credential != credential {
		return nil, ErrUnknownCredential
	}

	account := m.accounts[credential]
	if account == nil {
		return nil, ErrUnknownCredential
	}
	if credits > account.Credits {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, credits, account.Credits)
	}

	account.Credits -= credits
	delete(m.requests, requestID)
	m.redeemed[requestID] = struct{}{}
	if evicted := m.redeemedOrder.push(requestID); evicted != "" {
		delete(m.redeemed, evicted)
	}

	return &Receipt{
		Success:         true,
		TransactionRef:  idgen.TransactionRef(),
		CreditsRedeemed: credits,
	}, nil
}

// VerifyAndSettle verifies, then settles
func (m *Memory) VerifyAndSettle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	m.mu.Lock()
	m.calls.VerifyAndSettle++
	failure := m.takeFailure(OpVerifyAndSettle)
	m.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if err := m.Verify(ctx, req); err != nil {
		return nil, err
	}
	return m.Settle(ctx, req)
}

// Verify checks that the credential belongs to the subscriber and that the
// balance covers the settlement.
func (m *Memory) Verify(_ context.Context, req SettleRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[req.Credential]
	if !ok {
		return ErrUnknownCredential
	}
	if !strings.EqualFold(account.SubscriberAddress, req.SubscriberAddress) {
		return fmt.Errorf("%w: subscriber mismatch", ErrVerificationFailed)
	}
	if req.Endpoint != "" && !account.allows(req.Endpoint) {
		return fmt.Errorf("%w: %s not granted", ErrVerificationFailed, req.Endpoint)
	}
	if req.Credits > account.Credits {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, req.Credits, account.Credits)
	}
	return nil
}

// Settle burns credits. Batched settlements are debited immediately but
// share the transaction reference of their batch until it is flushed.
func (m *Memory) Settle(_ context.Context, req SettleRequest) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[req.Credential]
	if !ok {
		return nil, ErrUnknownCredential
	}
	if req.Credits > account.Credits {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, req.Credits, account.Credits)
	}
	account.Credits -= req.Credits

	ref := idgen.TransactionRef()
	if req.Batch {
		if m.batchID == "" {
			m.batchID = idgen.New(idgen.PrefixBatch)
		}
		ref = m.batchID
		m.batch = append(m.batch, req)
		if len(m.batch) >= m.batchSize {
			m.flushLocked()
		}
	}

	return &Receipt{
		Success:         true,
		TransactionRef:  ref,
		CreditsRedeemed: req.Credits,
	}, nil
}

// Flush closes the current batch
func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
	return nil
}

func (m *Memory) flushLocked() {
	if len(m.batch) == 0 {
		return
	}
	m.flushed = append(m.flushed, m.batchID)
	m.batch = nil
	m.batchID = ""
}

// ListAlternativeGrants lists the grants registered for a resource
func (m *Memory) ListAlternativeGrants(_ context.Context, resourceID string) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.ListGrants++
	if err := m.takeFailure(OpListGrants); err != nil {
		return nil, err
	}
	return append([]Grant(nil), m.grants[resourceID]...), nil
}

func (a *Account) allows(logicalID string) bool {
	if len(a.Resources) == 0 {
		return true
	}
	for _, prefix := range a.Resources {
		if strings.HasPrefix(logicalID, prefix) {
			return true
		}
	}
	return false
}
