package audit

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func steppingClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestLogger_Log(t *testing.T) {
	l := NewLogger()

	details := map[string]any{"queryId": "q-1", "score": 148.0}
	entry := l.Log(EventAuction, "node-a", "agent-b", "winner selected", details, true, "")

	if entry.ID == "" {
		t.Error("Expected ID to be set")
	}
	if entry.FromAgent != "node-a" {
		t.Errorf("Expected fromAgent 'node-a', got '%s'", entry.FromAgent)
	}
	if entry.ToAgent != "agent-b" {
		t.Errorf("Expected toAgent 'agent-b', got '%s'", entry.ToAgent)
	}
	if entry.EventType != EventAuction {
		t.Errorf("Expected eventType 'auction', got '%s'", entry.EventType)
	}
	if !entry.Success {
		t.Error("Expected success to be true")
	}
}

func TestLogger_GetRecent(t *testing.T) {
	l := NewLogger(WithClock(steppingClock(time.Unix(0, 0))))

	for i := 0; i < 10; i++ {
		l.Log(EventAgentJoin, "node", "agent", "joined", nil, true, "")
	}

	recent := l.GetRecent(5)
	if len(recent) != 5 {
		t.Errorf("Expected 5 recent entries, got %d", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if !recent[i-1].Timestamp.After(recent[i].Timestamp) {
			t.Error("Recent entries should be sorted newest first")
		}
	}

	if got := len(l.GetRecent(0)); got != 10 {
		t.Errorf("Expected default count to return all 10 entries, got %d", got)
	}
}

func TestLogger_Search(t *testing.T) {
	l := NewLogger()

	l.Log(EventNegotiation, "node-a", "agent-b", "Consortium invite accepted", nil, true, "")
	l.Log(EventAuction, "node-a", "agent-c", "Winner selected", nil, true, "")
	l.Log(EventOptimization, "agent-b", "", "Latency run deployed", nil, true, "")
	l.Log(EventNegotiation, "node-a", "agent-d", "Invite timed out", nil, false, "response timeout")

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{"by event type", Query{EventType: EventNegotiation}, 2},
		{"by from agent", Query{FromAgent: "NODE"}, 3},
		{"by to agent", Query{ToAgent: "agent-c"}, 1},
		{"by term", Query{SearchTerm: "invite"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.Search(tt.query).TotalCount; got != tt.want {
				t.Errorf("Expected %d entries, got %d", tt.want, got)
			}
		})
	}

	successOnly := false
	if got := l.Search(Query{SuccessOnly: &successOnly}).TotalCount; got != 1 {
		t.Errorf("Expected 1 failed entry, got %d", got)
	}
}

func TestLogger_SearchPagination(t *testing.T) {
	l := NewLogger()
	for i := 0; i < 25; i++ {
		l.Log(EventConsensus, "node", "", "merged", nil, true, "")
	}

	pages := []struct {
		offset int
		want   int
	}{{0, 10}, {10, 10}, {20, 5}, {30, 0}}
	for _, p := range pages {
		result := l.Search(Query{Limit: 10, Offset: p.offset})
		if len(result.Entries) != p.want {
			t.Errorf("Offset %d: expected %d entries, got %d", p.offset, p.want, len(result.Entries))
		}
		if result.TotalCount != 25 {
			t.Errorf("Expected totalCount 25, got %d", result.TotalCount)
		}
	}
}

func TestLogger_SearchTimeRange(t *testing.T) {
	l := NewLogger()
	entry := l.Log(EventPeer, "node", "", "connected", nil, true, "")

	start := entry.Timestamp.Add(-time.Hour)
	end := entry.Timestamp.Add(time.Hour)
	if got := l.Search(Query{StartTime: &start, EndTime: &end}).TotalCount; got != 1 {
		t.Errorf("Expected 1 entry in time range, got %d", got)
	}

	future := entry.Timestamp.Add(time.Hour)
	if got := l.Search(Query{StartTime: &future}).TotalCount; got != 0 {
		t.Errorf("Expected 0 entries in future time range, got %d", got)
	}
}

func TestLogger_GetByID(t *testing.T) {
	l := NewLogger()
	entry := l.Log(EventExecute, "node", "agent", "task started", nil, true, "")

	got, err := l.GetByID(entry.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.ID != entry.ID {
		t.Error("Retrieved wrong entry")
	}

	if _, err := l.GetByID("non-existent-id"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Expected ErrEntryNotFound, got %v", err)
	}
}

func TestLogger_GetStats(t *testing.T) {
	l := NewLogger()
	l.Log(EventAuction, "a", "b", "winner", nil, true, "")
	l.Log(EventAuction, "a", "", "no bids", nil, false, "no bids received")
	l.Log(EventExecute, "a", "b", "done", nil, true, "")

	stats := l.GetStats()
	if stats.TotalEntries != 3 {
		t.Errorf("Expected 3 total entries, got %d", stats.TotalEntries)
	}
	if stats.SuccessCount != 2 {
		t.Errorf("Expected 2 success count, got %d", stats.SuccessCount)
	}
	if stats.FailureCount != 1 {
		t.Errorf("Expected 1 failure count, got %d", stats.FailureCount)
	}
	if stats.EventTypeCounts[EventAuction] != 2 {
		t.Errorf("Expected 2 auction events, got %d", stats.EventTypeCounts[EventAuction])
	}
}

func TestLogger_MaxEntries(t *testing.T) {
	l := NewLogger(WithMaxEntries(5))
	for i := 0; i < 10; i++ {
		l.Log(EventConsensus, "node", "", "merged", nil, true, "")
	}
	if got := l.GetStats().TotalEntries; got != 5 {
		t.Errorf("Expected 5 entries after trimming, got %d", got)
	}
}

func TestLogger_JSONRPCHandlers(t *testing.T) {
	l := NewLogger()
	entry := l.Log(EventNegotiation, "test-agent", "target-agent", "proposal sent", nil, true, "")

	getParams, _ := json.Marshal(map[string]string{"id": entry.ID})
	if _, err := l.HandleJSONRPC("mesh.audit.get", getParams); err != nil {
		t.Fatalf("HandleJSONRPC get failed: %v", err)
	}

	searchParams, _ := json.Marshal(map[string]string{"fromAgent": "test"})
	result, err := l.HandleJSONRPC("mesh.audit.search", searchParams)
	if err != nil {
		t.Fatalf("HandleJSONRPC search failed: %v", err)
	}
	if got := result.(*QueryResult).TotalCount; got != 1 {
		t.Errorf("Expected 1 search result, got %d", got)
	}

	result, err = l.HandleJSONRPC("mesh.audit.recent", nil)
	if err != nil {
		t.Fatalf("HandleJSONRPC recent failed: %v", err)
	}
	if got := len(result.([]*Entry)); got != 1 {
		t.Errorf("Expected 1 recent entry, got %d", got)
	}

	result, err = l.HandleJSONRPC("mesh.audit.stats", nil)
	if err != nil {
		t.Fatalf("HandleJSONRPC stats failed: %v", err)
	}
	if got := result.(Stats).TotalEntries; got != 1 {
		t.Errorf("Expected 1 total entry, got %d", got)
	}

	if _, err := l.HandleJSONRPC("mesh.audit.log", nil); err == nil {
		t.Error("Expected writes over RPC to be rejected")
	}
	if _, err := l.HandleJSONRPC("mesh.audit.search", json.RawMessage(`{"limit":"x"}`)); err == nil {
		t.Error("Expected invalid params error")
	}
}

func TestSQLiteSink(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}

	l := NewLogger(WithSink(sink), WithClock(steppingClock(time.UnixMilli(1_700_000_000_000))))
	defer l.Close()

	l.Log(EventAgentJoin, "node", "agent-b", "discovered", map[string]any{"capabilities": 2.0}, true, "")
	l.Log(EventAuction, "node", "", "no bids", nil, false, "no bids received")

	entries, err := sink.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 stored entries, got %d", len(entries))
	}
	if entries[0].EventType != EventAuction || entries[0].Success {
		t.Errorf("Expected newest entry to be the failed auction, got %+v", entries[0])
	}
	if entries[0].ErrorMsg != "no bids received" {
		t.Errorf("Expected error message to round-trip, got %q", entries[0].ErrorMsg)
	}
	if entries[1].Details["capabilities"] != 2.0 {
		t.Errorf("Expected details to round-trip, got %v", entries[1].Details)
	}
}
