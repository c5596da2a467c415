package custody

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func steppingClock(start time.Time, step time.Duration) func() time.Time {
	cur := start
	return func() time.Time {
		now := cur
		cur = cur.Add(step)
		return now
	}
}

func TestNewEventValidate(t *testing.T) {
	assert.NoError(t, NewEvent{DocumentID: "d", Type: EventSigned, IPAddress: "2001:db8::1"}.Validate())
	assert.Error(t, NewEvent{Type: EventSigned}.Validate())
	assert.ErrorIs(t, NewEvent{DocumentID: "d", Type: "edited"}.Validate(), ErrInvalidEvent)
	assert.Error(t, NewEvent{DocumentID: "d", Type: EventOpened, IPAddress: "not-an-ip"}.Validate())
}

func TestMemoryStoreAssignsIDAndTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().WithClock(steppingClock(t0, time.Minute))

	a, err := s.Append(ctx, NewEvent{DocumentID: "doc", Type: EventCreated})
	require.NoError(t, err)
	b, err := s.Append(ctx, NewEvent{DocumentID: "doc", Type: EventSigned, Actor: &Actor{Email: "ana@example.com"}})
	require.NoError(t, err)
	_, err = s.Append(ctx, NewEvent{DocumentID: "other", Type: EventCreated})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, t0, a.Timestamp)

	events, err := s.LoadEvents(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, "ana@example.com", events[1].Actor.Email)
}

func TestSQLiteStoreIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "custody.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	s.now = steppingClock(t0, time.Second)

	first, err := s.Append(ctx, NewEvent{DocumentID: "doc-1", Type: EventCreated, Metadata: map[string]any{"source": "upload"}})
	require.NoError(t, err)
	_, err = s.Append(ctx, NewEvent{DocumentID: "doc-1", Type: EventOpened, IPAddress: "203.0.113.7", Actor: &Actor{Name: "Ana"}})
	require.NoError(t, err)

	events, err := s.LoadEvents(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, t0, events[0].Timestamp)
	assert.Equal(t, "upload", events[0].Metadata["source"])
	assert.Nil(t, events[0].Actor)
	assert.Equal(t, "203.0.113.7", events[1].IPAddress)
	assert.Equal(t, "Ana", events[1].Actor.Name)

	_, err = s.db.ExecContext(ctx, `UPDATE custody_events SET event_type = 'signed'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.ExecContext(ctx, `DELETE FROM custody_events`)
	assert.ErrorContains(t, err, "append-only")
}

func TestPostgresStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, Postgres)
	s.now = func() time.Time { return t0 }
	s.newID = func() string { return "0b7e4a8e-0000-4000-8000-000000000001" }

	mock.ExpectExec(`INSERT INTO custody_events \(id, document_id, event_type, occurred_at, actor_email, actor_name, ip_address, metadata\)\s+VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\)`).
		WithArgs("0b7e4a8e-0000-4000-8000-000000000001", "doc-9", "verified", t0,
			"ana@example.com", nil, nil, `{"verdict":"VALID"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ev, err := s.Append(context.Background(), NewEvent{
		DocumentID: "doc-9",
		Type:       EventVerified,
		Actor:      &Actor{Email: "ana@example.com"},
		Metadata:   map[string]any{"verdict": "VALID"},
	})
	require.NoError(t, err)
	assert.Equal(t, t0, ev.Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewSQLStore(db, Postgres)

	rows := sqlmock.NewRows([]string{"id", "document_id", "event_type", "occurred_at", "actor_email", "actor_name", "ip_address", "metadata"}).
		AddRow("e1", "doc-9", "created", t0, nil, nil, nil, nil).
		AddRow("e2", "doc-9", "anchored_bitcoin", t0.Add(time.Hour), nil, nil, nil, []byte(`{"tx":"abc"}`))
	mock.ExpectQuery(`SELECT id, document_id, event_type, occurred_at.*WHERE document_id = \$1\s+ORDER BY occurred_at ASC, seq ASC`).
		WithArgs("doc-9").
		WillReturnRows(rows)

	events, err := s.LoadEvents(context.Background(), "doc-9")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventAnchoredBitcoin, events[1].Type)
	assert.Equal(t, "abc", events[1].Metadata["tx"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT id").WillReturnError(errors.New("connection refused"))
	_, err = NewSQLStore(db, Postgres).LoadEvents(context.Background(), "doc")
	assert.ErrorContains(t, err, "connection refused")
}

func TestBuildTrailFlagsWithoutReordering(t *testing.T) {
	events := []Event{
		{ID: "1", DocumentID: "doc", Type: EventCreated, Timestamp: t0},
		{ID: "2", DocumentID: "doc", Type: EventSigned, Timestamp: t0.Add(2 * time.Hour)},
		{ID: "3", DocumentID: "doc", Type: EventOpened, Timestamp: t0.Add(time.Hour)},
		{ID: "2", DocumentID: "doc", Type: EventSigned, Timestamp: t0.Add(3 * time.Hour)},
		{ID: "4", DocumentID: "other", Type: "edited", Timestamp: t0.Add(4 * time.Hour)},
	}

	trail := BuildTrail("doc", events, nil)
	require.True(t, trail.Available)
	require.Len(t, trail.Entries, 5)
	assert.Equal(t, []string{"1", "2", "3", "2", "4"}, []string{
		trail.Entries[0].Event.ID, trail.Entries[1].Event.ID, trail.Entries[2].Event.ID,
		trail.Entries[3].Event.ID, trail.Entries[4].Event.ID,
	})
	assert.Empty(t, trail.Entries[1].Flags)
	assert.Equal(t, []string{FlagOutOfOrder}, trail.Entries[2].Flags)
	assert.Equal(t, []string{FlagDuplicateID}, trail.Entries[3].Flags)
	assert.Equal(t, []string{FlagForeignDocument, FlagUnknownType}, trail.Entries[4].Flags)
	assert.Equal(t, 3, trail.Anomalies)
	assert.Equal(t, 5, trail.Entries[4].Position)
}

func TestBuildTrailUnavailable(t *testing.T) {
	trail := BuildTrail("doc", nil, errors.New("timeout"))
	assert.False(t, trail.Available)
	assert.Contains(t, trail.Reason, "no evidence available")
	assert.Empty(t, trail.Entries)
}

func TestSnapshot(t *testing.T) {
	ops := Snapshot([]Event{
		{ID: "1", Type: EventCreated, Timestamp: t0, IPAddress: "198.51.100.2"},
		{ID: "2", Type: EventSigned, Timestamp: t0.Add(time.Minute), Actor: &Actor{Name: "Ana"}, Metadata: map[string]any{"k": "v"}},
	})
	require.Len(t, ops, 2)
	assert.Equal(t, "created", ops[0].Type)
	assert.Equal(t, "2025-04-01T09:00:00Z", ops[0].Timestamp)
	assert.Equal(t, "Ana", ops[1].Actor)
	assert.Equal(t, "v", ops[1].Payload["k"])
}
