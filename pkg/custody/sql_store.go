package custody

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect adapts SQLStore to a database engine.
type Dialect struct {
	Name        string
	DriverName  string
	placeholder func(n int) string
	migrations  []string
	// encodeTime and decodeTime convert the occurred_at column.
	encodeTime func(time.Time) any
	decodeTime func(any) (time.Time, error)
}

// sqliteTimeLayout is fixed-width so text ordering equals time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var SQLite = Dialect{
	Name:        "sqlite",
	DriverName:  "sqlite",
	placeholder: func(int) string { return "?" },
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS custody_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			document_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			actor_email TEXT,
			actor_name TEXT,
			ip_address TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS custody_events_document ON custody_events (document_id, occurred_at, seq)`,
		`CREATE TRIGGER IF NOT EXISTS custody_events_no_update BEFORE UPDATE ON custody_events
		BEGIN SELECT RAISE(ABORT, 'custody events are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS custody_events_no_delete BEFORE DELETE ON custody_events
		BEGIN SELECT RAISE(ABORT, 'custody events are append-only'); END`,
	},
	encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	decodeTime: func(v any) (time.Time, error) {
		switch s := v.(type) {
		case string:
			return time.Parse(time.RFC3339Nano, s)
		case []byte:
			return time.Parse(time.RFC3339Nano, string(s))
		case time.Time:
			return s.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unexpected occurred_at type %T", v)
	},
}

var Postgres = Dialect{
	Name:        "postgres",
	DriverName:  "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS custody_events (
			seq BIGSERIAL PRIMARY KEY,
			id UUID NOT NULL UNIQUE,
			document_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			actor_email TEXT,
			actor_name TEXT,
			ip_address INET,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS custody_events_document ON custody_events (document_id, occurred_at, seq)`,
		`CREATE OR REPLACE FUNCTION custody_events_immutable() RETURNS trigger AS $$
		BEGIN RAISE EXCEPTION 'custody events are append-only'; END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS custody_events_no_mutation ON custody_events`,
		`CREATE TRIGGER custody_events_no_mutation BEFORE UPDATE OR DELETE ON custody_events
		FOR EACH ROW EXECUTE FUNCTION custody_events_immutable()`,
	},
	encodeTime: func(t time.Time) any { return t.UTC() },
	decodeTime: func(v any) (time.Time, error) {
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unexpected occurred_at type %T", v)
	},
}

// DialectByName resolves "sqlite" or "postgres".
func DialectByName(name string) (Dialect, error) {
	switch name {
	case SQLite.Name:
		return SQLite, nil
	case Postgres.Name:
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported custody driver %q", name)
}

// SQLStore is a Log on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	newID   func() string
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now, newID: uuid.NewString}
}

// Open connects with the dialect's driver and applies migrations.
func Open(ctx context.Context, d Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s custody store: %w", d.Name, err)
	}
	s := NewSQLStore(db, d)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the table and the append-only triggers.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate custody store: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) ph(n int) string { return s.dialect.placeholder(n) }

func (s *SQLStore) Append(ctx context.Context, ne NewEvent) (Event, error) {
	if err := ne.Validate(); err != nil {
		return Event{}, err
	}
	ev := Event{
		ID:         s.newID(),
		DocumentID: ne.DocumentID,
		Type:       ne.Type,
		Timestamp:  s.now().UTC(),
		Actor:      ne.Actor,
		IPAddress:  ne.IPAddress,
		Metadata:   ne.Metadata,
	}

	var email, name, ip, meta sql.NullString
	if ev.Actor != nil {
		email = nullable(ev.Actor.Email)
		name = nullable(ev.Actor.Name)
	}
	ip = nullable(ev.IPAddress)
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return Event{}, fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	query := fmt.Sprintf(`INSERT INTO custody_events (id, document_id, event_type, occurred_at, actor_email, actor_name, ip_address, metadata)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.DocumentID, string(ev.Type), s.dialect.encodeTime(ev.Timestamp), email, name, ip, meta)
	if err != nil {
		return Event{}, fmt.Errorf("failed to append custody event: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) LoadEvents(ctx context.Context, documentID string) ([]Event, error) {
	query := fmt.Sprintf(`SELECT id, document_id, event_type, occurred_at, actor_email, actor_name, ip_address, metadata
		FROM custody_events
		WHERE document_id = %s
		ORDER BY occurred_at ASC, seq ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load custody events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			ev                    Event
			eventType             string
			occurred              any
			email, name, ip, meta sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &eventType, &occurred, &email, &name, &ip, &meta); err != nil {
			return nil, err
		}
		ev.Type = EventType(eventType)
		if ev.Timestamp, err = s.dialect.decodeTime(occurred); err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if email.Valid || name.Valid {
			ev.Actor = &Actor{Email: email.String, Name: name.String}
		}
		ev.IPAddress = ip.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("event %s: decode metadata: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
