package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
)

// MeteringStore stores settlement metrics
type MeteringStore interface {
	RecordRequest(metric UsageMetric) error
	GetMetrics(filter MetricsFilter) (*MetricsReport, error)
}

// UsageMetric is one settlement as seen by the metering layer
type UsageMetric struct {
	Timestamp       time.Time    `json:"timestamp"`
	Resource        string       `json:"resource"`
	Method          string       `json:"method,omitempty"`
	PayerID         string       `json:"payerId,omitempty"`
	RequestID       string       `json:"requestId,omitempty"`
	TransactionRef  string       `json:"transactionRef,omitempty"`
	CreditsRedeemed int64        `json:"creditsRedeemed"`
	Success         bool         `json:"success"`
	Flow            paywall.Flow `json:"flow"`
	UserAgent       string       `json:"userAgent,omitempty"`
	IsAIAgent       bool         `json:"isAiAgent"`
	Error           string       `json:"error,omitempty"`
}

// MetricsFilter selects metrics for a report
type MetricsFilter struct {
	StartTime    *time.Time   `json:"startTime,omitempty"`
	EndTime      *time.Time   `json:"endTime,omitempty"`
	Resource     string       `json:"resource,omitempty"`
	PayerID      string       `json:"payerId,omitempty"`
	Flow         paywall.Flow `json:"flow,omitempty"`
	AIAgentsOnly bool         `json:"aiAgentsOnly,omitempty"`
}

// MetricsReport aggregates metrics
type MetricsReport struct {
	TotalRequests   int64            `json:"totalRequests"`
	TotalCredits    int64            `json:"totalCredits"`
	FailedSettles   int64            `json:"failedSettlements"`
	UniquePayers    int64            `json:"uniquePayers"`
	AIAgentRequests int64            `json:"aiAgentRequests"`
	AIAgentCredits  int64            `json:"aiAgentCredits"`
	ByFlow          map[string]int64 `json:"byFlow"`
	TopResources    []ResourceStats  `json:"topResources"`
	FailureRate     float64          `json:"failureRate"`
}

// ResourceStats are per-resource totals
type ResourceStats struct {
	Resource      string `json:"resource"`
	TotalRequests int64  `json:"totalRequests"`
	TotalCredits  int64  `json:"totalCredits"`
	Failures      int64  `json:"failures"`
}

// InMemoryMeteringStore keeps the most recent metrics in memory
type InMemoryMeteringStore struct {
	mu      sync.RWMutex
	metrics []UsageMetric
	maxSize int
}

// NewInMemoryMeteringStore creates a store holding at most maxSize metrics
func NewInMemoryMeteringStore(maxSize int) *InMemoryMeteringStore {
	if maxSize <= 0 {
		maxSize = 100000
	}
	return &InMemoryMeteringStore{maxSize: maxSize}
}

// RecordRequest records a metric, evicting the oldest at capacity
func (s *InMemoryMeteringStore) RecordRequest(metric UsageMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.metrics) >= s.maxSize {
		s.metrics = s.metrics[1:]
	}
	s.metrics = append(s.metrics, metric)
	return nil
}

// GetMetrics aggregates the metrics matching filter
func (s *InMemoryMeteringStore) GetMetrics(filter MetricsFilter) (*MetricsReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &MetricsReport{ByFlow: make(map[string]int64)}
	payers := make(map[string]struct{})
	resources := make(map[string]*ResourceStats)

	for _, m := range s.metrics {
		if !filter.matches(m) {
			continue
		}

		report.TotalRequests++
		report.ByFlow[string(m.Flow)]++
		if m.Success {
			report.TotalCredits += m.CreditsRedeemed
		} else {
			report.FailedSettles++
		}
		if m.PayerID != "" {
			payers[m.PayerID] = struct{}{}
		}
		if m.IsAIAgent {
			report.AIAgentRequests++
			if m.Success {
				report.AIAgentCredits += m.CreditsRedeemed
			}
		}

		rs, ok := resources[m.Resource]
		if !ok {
			rs = &ResourceStats{Resource: m.Resource}
			resources[m.Resource] = rs
		}
		rs.TotalRequests++
		if m.Success {
			rs.TotalCredits += m.CreditsRedeemed
		} else {
			rs.Failures++
		}
	}

	report.UniquePayers = int64(len(payers))
	if report.TotalRequests > 0 {
		report.FailureRate = float64(report.FailedSettles) / float64(report.TotalRequests)
	}

	for _, rs := range resources {
		report.TopResources = append(report.TopResources, *rs)
	}
	sort.Slice(report.TopResources, func(i, j int) bool {
		a, b := report.TopResources[i], report.TopResources[j]
		if a.TotalCredits != b.TotalCredits {
			return a.TotalCredits > b.TotalCredits
		}
		return a.Resource < b.Resource
	})
	if len(report.TopResources) > 10 {
		report.TopResources = report.TopResources[:10]
	}

	return report, nil
}

func (f MetricsFilter) matches(m UsageMetric) bool {
	switch {
	case f.StartTime != nil && m.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && m.Timestamp.After(*f.EndTime):
		return false
	case f.Resource != "" && m.Resource != f.Resource:
		return false
	case f.PayerID != "" && m.PayerID != f.PayerID:
		return false
	case f.Flow != "" && m.Flow != f.Flow:
		return false
	case f.AIAgentsOnly && !m.IsAIAgent:
		return false
	}
	return true
}

type meteringRecorder struct {
	store  MeteringStore
	logger zerolog.Logger
}

// NewMeteringRecorder returns a paywall.Recorder that stores every
// settlement in store. Request details come from the ambient request
// context when one is bound.
func NewMeteringRecorder(store MeteringStore, logger *zerolog.Logger) paywall.Recorder {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "metering").Logger()
	}
	return &meteringRecorder{store: store, logger: l}
}

func (m *meteringRecorder) RecordSettlement(ctx context.Context, rec paywall.SettlementRecord) {
	metric := UsageMetric{
		Timestamp:       rec.At,
		Resource:        rec.Resource,
		PayerID:         PayerID(rec.Credential),
		RequestID:       rec.Outcome.RequestID,
		TransactionRef:  rec.Outcome.TransactionRef,
		CreditsRedeemed: rec.Outcome.CreditsRedeemed,
		Success:         rec.Outcome.Success,
		Flow:            rec.Flow,
	}
	if rec.Err != nil {
		metric.Error = rec.Err.Error()
	}
	if info, ok := reqctx.From(ctx); ok {
		metric.Method = info.Method
		metric.UserAgent = info.Headers.Get("User-Agent")
		metric.IsAIAgent = IsAIAgent(info.Headers)
	}

	if err := m.store.RecordRequest(metric); err != nil {
		m.logger.Warn().Err(err).Str("resource", rec.Resource).Msg("failed to record settlement")
	}
}

// PayerID is the redacted form of a credential used in metrics
func PayerID(credential string) string {
	if credential == "" {
		return ""
	}
	if len(credential) > 8 {
		return "key:" + credential[:8] + "..."
	}
	return "key:" + credential
}

// MetricsHandler serves a MetricsReport filtered by the query string
// (start, end, resource, payer, flow, aiOnly).
func MetricsHandler(store MeteringStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		filter := MetricsFilter{
			Resource:     q.Get("resource"),
			PayerID:      q.Get("payer"),
			Flow:         paywall.Flow(q.Get("flow")),
			AIAgentsOnly: q.Get("aiOnly") == "true",
		}
		if start := q.Get("start"); start != "" {
			if t, err := time.Parse(time.RFC3339, start); err == nil {
				filter.StartTime = &t
			}
		}
		if end := q.Get("end"); end != "" {
			if t, err := time.Parse(time.RFC3339, end); err == nil {
				filter.EndTime = &t
			}
		}

		report, err := store.GetMetrics(filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	}
}
