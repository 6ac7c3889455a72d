// Package persist provides a PostgreSQL-backed store for the coordinator's
// user preferences document: defaultVolume, autoJoinStatic,
// emergencyAlertEnabled, masterVolume, and isDuckingEnabled (spec.md §6).
//
// Grounded in the teacher's pkg/memory/postgres session-store pattern: a
// single pooled connection, upsert-on-save, and a typed accessor over a JSON
// column. Unlike the teacher's three-layer memory architecture, a
// preferences document has no query surface beyond load/save, so the store
// is a single narrow table keyed by user ID.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Preferences is the subset of per-user settings the coordinator persists
// across restarts. Extra is a forward-compatible overlay: unknown keys
// written by a newer coordinator version round-trip through it so an older
// version reading and re-saving the document does not discard them.
type Preferences struct {
	DefaultVolume         float64        `json:"defaultVolume"`
	AutoJoinStatic        bool           `json:"autoJoinStatic"`
	EmergencyAlertEnabled bool           `json:"emergencyAlertEnabled"`
	MasterVolume          float64        `json:"masterVolume"`
	IsDuckingEnabled      bool           `json:"isDuckingEnabled"`
	Extra                 map[string]any `json:"-"`
}

// DefaultPreferences returns the preferences document applied to a user with
// no prior saved state.
func DefaultPreferences() Preferences {
	return Preferences{
		DefaultVolume:         1.0,
		AutoJoinStatic:        true,
		EmergencyAlertEnabled: true,
		MasterVolume:          1.0,
		IsDuckingEnabled:      true,
	}
}

// MarshalJSON merges the named fields with the Extra overlay so unknown keys
// survive a load-then-save round trip.
func (p Preferences) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["defaultVolume"] = p.DefaultVolume
	out["autoJoinStatic"] = p.AutoJoinStatic
	out["emergencyAlertEnabled"] = p.EmergencyAlertEnabled
	out["masterVolume"] = p.MasterVolume
	out["isDuckingEnabled"] = p.IsDuckingEnabled
	return json.Marshal(out)
}

// UnmarshalJSON decodes the named fields and stashes any remaining keys in Extra.
func (p *Preferences) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias Preferences
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Preferences(a)

	for _, known := range []string{
		"defaultVolume", "autoJoinStatic", "emergencyAlertEnabled",
		"masterVolume", "isDuckingEnabled",
	} {
		delete(raw, known)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}

// Schema is the SQL DDL for the user_preferences table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS user_preferences (
    user_id     TEXT         PRIMARY KEY,
    document    JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the preferences store. It holds a database connection or pool
// satisfying [DB]. All methods are safe for concurrent use when db is.
type Store struct {
	db DB
}

// NewStore creates a new [Store] that uses the given database connection or
// pool. The caller is responsible for calling [Store.Migrate] to ensure the
// schema exists before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Connect is a convenience constructor that establishes a [pgxpool.Pool] to
// dsn, migrates the schema, and wraps it in a [Store].
func Connect(ctx context.Context, dsn string) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("persist: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("persist: ping: %w", err)
	}

	s := NewStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate executes the [Schema] DDL, creating the user_preferences table if
// it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("persist: migrate: %w", err)
	}
	return nil
}

// Load returns the saved preferences document for userID, or
// [DefaultPreferences] if none has been saved yet.
func (s *Store) Load(ctx context.Context, userID string) (Preferences, error) {
	const query = `SELECT document FROM user_preferences WHERE user_id = $1`

	var raw []byte
	err := s.db.QueryRow(ctx, query, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultPreferences(), nil
		}
		return Preferences{}, fmt.Errorf("persist: load %q: %w", userID, err)
	}

	var prefs Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return Preferences{}, fmt.Errorf("persist: decode %q: %w", userID, err)
	}
	return prefs, nil
}

// Save upserts the preferences document for userID.
func (s *Store) Save(ctx context.Context, userID string, prefs Preferences) error {
	const query = `
		INSERT INTO user_preferences (user_id, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET document = EXCLUDED.document, updated_at = now()`

	doc, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("persist: encode %q: %w", userID, err)
	}
	if _, err := s.db.Exec(ctx, query, userID, doc); err != nil {
		return fmt.Errorf("persist: save %q: %w", userID, err)
	}
	return nil
}
