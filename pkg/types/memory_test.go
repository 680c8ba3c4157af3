package types_test

import (
	"testing"
	"time"

	"github.com/scrypster/memento/pkg/types"
)

func TestMemoryProvenanceFields(t *testing.T) {
	m := types.Memory{}

	m.CreatedBy = "claude-opus-4"
	m.SessionID = "session-abc-123"
	m.SourceContext = map[string]interface{}{
		"file":   "notes.md",
		"offset": 42,
	}

	if m.CreatedBy != "claude-opus-4" {
		t.Errorf("expected CreatedBy %q, got %q", "claude-opus-4", m.CreatedBy)
	}
	if m.SessionID != "session-abc-123" {
		t.Errorf("expected SessionID %q, got %q", "session-abc-123", m.SessionID)
	}
	if m.SourceContext["file"] != "notes.md" {
		t.Errorf("expected SourceContext[file] %q, got %v", "notes.md", m.SourceContext["file"])
	}
}

func TestMemoryLifecycleFields(t *testing.T) {
	now := time.Now()
	m := types.Memory{}

	m.Archived = true
	m.SupersededBy = "mem:other:123"
	m.DeletedAt = &now

	if !m.Archived {
		t.Errorf("expected Archived true")
	}
	if m.SupersededBy != "mem:other:123" {
		t.Errorf("expected SupersededBy to round-trip, got %q", m.SupersededBy)
	}
	if m.DeletedAt == nil || !m.DeletedAt.Equal(now) {
		t.Errorf("expected DeletedAt %v, got %v", now, m.DeletedAt)
	}
}

func TestMemoryQualitySignalFields(t *testing.T) {
	now := time.Now()
	m := types.Memory{}

	m.AccessCount = 7
	m.LastAccessedAt = &now
	m.DecayScore = 0.85
	m.DecayUpdatedAt = &now
	m.AccessSinceEvolution = 3

	if m.AccessCount != 7 {
		t.Errorf("expected AccessCount 7, got %d", m.AccessCount)
	}
	if m.LastAccessedAt == nil || !m.LastAccessedAt.Equal(now) {
		t.Errorf("expected LastAccessedAt %v, got %v", now, m.LastAccessedAt)
	}
	if m.DecayScore != 0.85 {
		t.Errorf("expected DecayScore 0.85, got %f", m.DecayScore)
	}
	if m.AccessSinceEvolution != 3 {
		t.Errorf("expected AccessSinceEvolution 3, got %d", m.AccessSinceEvolution)
	}
}

func TestMemoryNewFieldDefaults(t *testing.T) {
	m := types.Memory{}

	if m.Archived {
		t.Errorf("expected Archived to default to false")
	}
	if m.SupersededBy != "" {
		t.Errorf("expected SupersededBy to default to empty string, got %q", m.SupersededBy)
	}
	if m.CreatedBy != "" {
		t.Errorf("expected CreatedBy to default to empty string, got %q", m.CreatedBy)
	}
	if m.SourceContext != nil {
		t.Errorf("expected SourceContext to default to nil, got %v", m.SourceContext)
	}
	if m.AccessCount != 0 {
		t.Errorf("expected AccessCount to default to 0, got %d", m.AccessCount)
	}
	if m.Importance != 0 {
		t.Errorf("expected Importance to default to 0 (unset), got %d", m.Importance)
	}
	if m.Namespace != (types.Namespace{}) {
		t.Errorf("expected Namespace to default to zero value, got %v", m.Namespace)
	}
}

func TestClampImportance(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, types.MinImportance},
		{1, 1},
		{5, 5},
		{10, 10},
		{11, types.MaxImportance},
		{-5, types.MinImportance},
	}
	for _, tt := range tests {
		if got := types.ClampImportance(tt.in); got != tt.want {
			t.Errorf("ClampImportance(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIsValidMemoryKind(t *testing.T) {
	for _, k := range types.ValidMemoryKinds {
		if !types.IsValidMemoryKind(k) {
			t.Errorf("expected kind %q to be valid", k)
		}
	}
	if !types.IsValidMemoryKind("") {
		t.Errorf("expected empty kind to be valid (unclassified)")
	}
	if types.IsValidMemoryKind("not_a_kind") {
		t.Errorf("expected unrecognized kind to be invalid")
	}
}
