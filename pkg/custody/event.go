// Package custody models the append-only chain-of-custody log of a document
// and renders it for verification reports.
//
// Writing belongs to the service that owns the document; the verifier only
// reads. Stores here expose Append but no update or delete, and the SQL
// schema rejects both at the database.
package custody

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// EventType is the closed set of custody events.
type EventType string

const (
	EventCreated         EventType = "created"
	EventSent            EventType = "sent"
	EventOpened          EventType = "opened"
	EventIdentified      EventType = "identified"
	EventSigned          EventType = "signed"
	EventAnchoredPolygon EventType = "anchored_polygon"
	EventAnchoredBitcoin EventType = "anchored_bitcoin"
	EventVerified        EventType = "verified"
	EventDownloaded      EventType = "downloaded"
	EventExpired         EventType = "expired"
)

var eventTypes = map[EventType]bool{
	EventCreated: true, EventSent: true, EventOpened: true, EventIdentified: true,
	EventSigned: true, EventAnchoredPolygon: true, EventAnchoredBitcoin: true,
	EventVerified: true, EventDownloaded: true, EventExpired: true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return eventTypes[t] }

// Actor identifies who triggered an event. Nil for system events.
type Actor struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Event is one persisted custody entry. ID and Timestamp are assigned by
// the store, never by the client.
type Event struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Type       EventType      `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      *Actor         `json:"actor,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewEvent is what a writer submits.
type NewEvent struct {
	DocumentID string
	Type       EventType
	Actor      *Actor
	IPAddress  string
	Metadata   map[string]any
}

// ErrInvalidEvent wraps every submission rejected by Validate.
var ErrInvalidEvent = errors.New("invalid custody event")

// Validate checks a submission before it reaches storage.
func (e NewEvent) Validate() error {
	if e.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.IPAddress != "" {
		if _, err := netip.ParseAddr(e.IPAddress); err != nil {
			return fmt.Errorf("%w: invalid ip address %q", ErrInvalidEvent, e.IPAddress)
		}
	}
	return nil
}

// Reader loads a document's events in authoritative order.
type Reader interface {
	LoadEvents(ctx context.Context, documentID string) ([]Event, error)
}

// Appender persists new events.
type Appender interface {
	Append(ctx context.Context, e NewEvent) (Event, error)
}

// Log is a readable, appendable custody log.
type Log interface {
	Reader
	Appender
}
