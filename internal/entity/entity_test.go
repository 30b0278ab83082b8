package entity

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	for _, value := range []string{"project", "sheet", "task", "rfi"} {
		kind, err := ParseKind(value)
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", value, err)
		}
		if !kind.Valid() {
			t.Errorf("expected %q to be valid", value)
		}
	}
}

func TestParseKindRejectsUnknown(t *testing.T) {
	if _, err := ParseKind("invoice"); err == nil {
		t.Error("expected error for unknown kind, got nil")
	}
}

func TestDecodePayloadRequiredFields(t *testing.T) {
	_, err := DecodePayload(KindSheet, json.RawMessage(`{"number":"A-101"}`))
	if err == nil {
		t.Error("expected error for sheet payload without title, got nil")
	}

	payload, err := DecodePayload(KindSheet, json.RawMessage(`{"number":"A-101","title":"Floor Plan"}`))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload["number"] != "A-101" {
		t.Errorf("expected number A-101, got %v", payload["number"])
	}
}

func TestDecodePayloadInvalidJSON(t *testing.T) {
	if _, err := DecodePayload(KindTask, json.RawMessage(`{`)); err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestConflictsWith(t *testing.T) {
	basis := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := Entity{UpdatedAt: basis.Add(time.Minute)}
	if !stored.ConflictsWith(basis) {
		t.Error("expected conflict when server write is newer than basis")
	}

	stored.UpdatedAt = basis.Add(-time.Minute)
	if stored.ConflictsWith(basis) {
		t.Error("expected no conflict when server write predates basis")
	}

	stored.UpdatedAt = basis
	if stored.ConflictsWith(basis) {
		t.Error("expected no conflict when timestamps are equal")
	}
}

func TestMergeClientPrecedence(t *testing.T) {
	server := map[string]any{"title": "Server Title", "status": "open"}
	client := map[string]any{"title": "Client Title"}

	merged := Merge(server, client)

	if merged["title"] != "Client Title" {
		t.Errorf("expected client title to win, got %v", merged["title"])
	}
	if merged["status"] != "open" {
		t.Errorf("expected server-only field to survive, got %v", merged["status"])
	}
	if merged["conflictResolved"] != true {
		t.Error("expected conflictResolved marker")
	}
}
