package custody

import (
	"time"

	"github.com/ecosign/ecocert/pkg/certificate"
)

// Display flags on trail entries. They annotate; they never reorder or drop.
const (
	FlagOutOfOrder      = "out_of_order"
	FlagDuplicateID     = "duplicate_id"
	FlagForeignDocument = "foreign_document"
	FlagUnknownType     = "unknown_type"
)

// Trail is the custody history as shown in a verification report.
type Trail struct {
	DocumentID string       `json:"document_id"`
	Available  bool         `json:"available"`
	Reason     string       `json:"reason,omitempty"`
	Entries    []TrailEntry `json:"entries,omitempty"`
	Anomalies  int          `json:"anomalies"`
}

// TrailEntry is one event in received order.
type TrailEntry struct {
	Position int      `json:"position"`
	Event    Event    `json:"event"`
	Flags    []string `json:"flags,omitempty"`
}

// BuildTrail renders events in the order received. A load error or a nil
// reader yields an unavailable trail rather than a failure.
func BuildTrail(documentID string, events []Event, loadErr error) Trail {
	t := Trail{DocumentID: documentID}
	if loadErr != nil {
		t.Reason = "no evidence available: " + loadErr.Error()
		return t
	}
	t.Available = true
	if len(events) == 0 {
		t.Reason = "no custody events recorded"
	}

	seen := make(map[string]bool, len(events))
	var prev time.Time
	for i, ev := range events {
		entry := TrailEntry{Position: i + 1, Event: ev}
		if i > 0 && ev.Timestamp.Before(prev) {
			entry.Flags = append(entry.Flags, FlagOutOfOrder)
		}
		if seen[ev.ID] {
			entry.Flags = append(entry.Flags, FlagDuplicateID)
		}
		if ev.DocumentID != documentID {
			entry.Flags = append(entry.Flags, FlagForeignDocument)
		}
		if !ev.Type.Valid() {
			entry.Flags = append(entry.Flags, FlagUnknownType)
		}
		if len(entry.Flags) > 0 {
			t.Anomalies++
		}
		seen[ev.ID] = true
		if ev.Timestamp.After(prev) {
			prev = ev.Timestamp
		}
		t.Entries = append(t.Entries, entry)
	}
	return t
}

// Snapshot freezes events into manifest operation-log entries at issuance.
// IP addresses are not copied into the portable certificate.
func Snapshot(events []Event) []certificate.OperationEntry {
	out := make([]certificate.OperationEntry, 0, len(events))
	for _, ev := range events {
		entry := certificate.OperationEntry{
			OpID:      ev.ID,
			Type:      string(ev.Type),
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
			Payload:   ev.Metadata,
		}
		if ev.Actor != nil {
			entry.Actor = ev.Actor.Email
			if entry.Actor == "" {
				entry.Actor = ev.Actor.Name
			}
		}
		out = append(out, entry)
	}
	return out
}
