// Package audit keeps a capped journal of mesh events for operators.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a journal entry
type EventType string

const (
	EventAgentJoin    EventType = "agent_join"
	EventAgentLeave   EventType = "agent_leave"
	EventAgentStale   EventType = "agent_stale"
	EventAuction      EventType = "auction"
	EventExecute      EventType = "execute"
	EventNegotiation  EventType = "negotiation"
	EventConsortium   EventType = "consortium"
	EventOptimization EventType = "optimization"
	EventConsensus    EventType = "consensus"
	EventPeer         EventType = "peer"
)

// DefaultMaxEntries caps the in-memory journal
const DefaultMaxEntries = 10000

// ErrEntryNotFound is returned by GetByID
var ErrEntryNotFound = errors.New("audit entry not found")

// Entry is one journal record
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"eventType"`
	FromAgent string         `json:"fromAgent"`
	ToAgent   string         `json:"toAgent,omitempty"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
	ErrorMsg  string         `json:"errorMsg,omitempty"`
}

// Sink receives a copy of every entry, e.g. for on-disk history
type Sink interface {
	Write(ctx context.Context, e *Entry) error
	Close() error
}

// Logger is the in-memory journal
type Logger struct {
	entries    []*Entry
	mu         sync.RWMutex
	maxEntries int
	sink       Sink
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Logger
type Option func(*Logger)

// WithSink mirrors entries to s
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sink = s }
}

func WithMaxEntries(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

func WithLogger(sl *slog.Logger) Option {
	return func(l *Logger) { l.logger = sl }
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a journal
func NewLogger(opts ...Option) *Logger {
	l := &Logger{
		maxEntries: DefaultMaxEntries,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log records an event
func (l *Logger) Log(eventType EventType, fromAgent, toAgent, summary string, details map[string]any, success bool, errorMsg string) *Entry {
	entry := &Entry{
		ID:        uuid.New().String(),
		Timestamp: l.now(),
		EventType: eventType,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Summary:   summary,
		Details:   details,
		Success:   success,
		ErrorMsg:  errorMsg,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Write(context.Background(), entry); err != nil {
			l.logger.Warn("audit: sink write failed", "id", entry.ID, "error", err)
		}
	}
	return entry
}

// Close closes the sink, if any
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Query holds search filters
type Query struct {
	FromAgent      string     `json:"fromAgent,omitempty"`
	ToAgent        string     `json:"toAgent,omitempty"`
	EventType      EventType  `json:"eventType,omitempty"`
	SearchTerm     string     `json:"searchTerm,omitempty"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	SuccessOnly    *bool      `json:"successOnly,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
	SortDescending bool       `json:"sortDescending,omitempty"`
}

// QueryResult is one page of search results
type QueryResult struct {
	Entries    []*Entry `json:"entries"`
	TotalCount int      `json:"totalCount"`
	Offset     int      `json:"offset"`
	Limit      int      `json:"limit"`
}

func (q Query) matches(e *Entry) bool {
	switch {
	case q.FromAgent != "" && !containsFold(e.FromAgent, q.FromAgent):
		return false
	case q.ToAgent != "" && !containsFold(e.ToAgent, q.ToAgent):
		return false
	case q.EventType != "" && e.EventType != q.EventType:
		return false
	case q.SearchTerm != "" && !containsFold(e.Summary, q.SearchTerm):
		return false
	case q.StartTime != nil && e.Timestamp.Before(*q.StartTime):
		return false
	case q.EndTime != nil && e.Timestamp.After(*q.EndTime):
		return false
	case q.SuccessOnly != nil && e.Success != *q.SuccessOnly:
		return false
	}
	return true
}

// Search filters and pages the journal
func (l *Logger) Search(q Query) *QueryResult {
	l.mu.RLock()
	var filtered []*Entry
	for _, entry := range l.entries {
		if q.matches(entry) {
			filtered = append(filtered, entry)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(filtered, func(i, j int) bool {
		if q.SortDescending {
			return filtered[i].Timestamp.After(filtered[j].Timestamp)
		}
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	start := min(offset, len(filtered))
	end := min(start+limit, len(filtered))

	return &QueryResult{
		Entries:    filtered[start:end],
		TotalCount: len(filtered),
		Offset:     offset,
		Limit:      limit,
	}
}

// GetRecent returns up to count entries, newest first
func (l *Logger) GetRecent(count int) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count <= 0 {
		count = 50
	}
	count = min(count, len(l.entries))

	result := make([]*Entry, 0, count)
	for i := len(l.entries) - 1; i >= len(l.entries)-count; i-- {
		result = append(result, l.entries[i])
	}
	return result
}

// GetByID returns one entry
func (l *Logger) GetByID(id string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// Stats summarizes the journal
type Stats struct {
	TotalEntries    int               `json:"totalEntries"`
	MaxEntries      int               `json:"maxEntries"`
	EventTypeCounts map[EventType]int `json:"eventTypeCounts"`
	SuccessCount    int               `json:"successCount"`
	FailureCount    int               `json:"failureCount"`
}

// GetStats counts entries by type and outcome
func (l *Logger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalEntries:    len(l.entries),
		MaxEntries:      l.maxEntries,
		EventTypeCounts: make(map[EventType]int),
	}
	for _, entry := range l.entries {
		stats.EventTypeCounts[entry.EventType]++
		if entry.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	return stats
}

// HandleJSONRPC serves the read-only mesh.audit.* methods
func (l *Logger) HandleJSONRPC(method string, params json.RawMessage) (any, error) {
	switch method {
	case "mesh.audit.get":
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return l.GetByID(p.ID)
	case "mesh.audit.search":
		var q Query
		if err := decodeParams(params, &q); err != nil {
			return nil, err
		}
		return l.Search(q), nil
	case "mesh.audit.recent":
		var p struct {
			Count int `json:"count"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return l.GetRecent(p.Count), nil
	case "mesh.audit.stats":
		return l.GetStats(), nil
	default:
		return nil, fmt.Errorf("unknown method: %s", method)
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
