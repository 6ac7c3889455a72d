package persist

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	lastExecArgs []any
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.lastExecArgs = args
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func TestLoad_NoRowsReturnsDefaults(t *testing.T) {
	db := &mockDB{}
	s := NewStore(db)

	got, err := s.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, DefaultPreferences()) {
		t.Errorf("Load with no rows = %+v, want %+v", got, DefaultPreferences())
	}
}

func TestLoad_DecodesDocumentAndPreservesUnknownKeys(t *testing.T) {
	doc := []byte(`{
		"defaultVolume": 0.8,
		"autoJoinStatic": false,
		"emergencyAlertEnabled": true,
		"masterVolume": 0.5,
		"isDuckingEnabled": false,
		"futureFeatureFlag": true
	}`)

	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*[]byte) = doc
				return nil
			}}
		},
	}
	s := NewStore(db)

	got, err := s.Load(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DefaultVolume != 0.8 || got.MasterVolume != 0.5 {
		t.Errorf("Load decoded volumes = %+v", got)
	}
	if got.AutoJoinStatic || got.IsDuckingEnabled {
		t.Errorf("Load decoded booleans = %+v", got)
	}
	if v, ok := got.Extra["futureFeatureFlag"]; !ok || v != true {
		t.Errorf("Load dropped unknown key futureFeatureFlag, got Extra = %+v", got.Extra)
	}
}

func TestLoad_PropagatesOtherErrors(t *testing.T) {
	wantErr := errors.New("connection reset")
	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error { return wantErr }}
		},
	}
	s := NewStore(db)

	if _, err := s.Load(context.Background(), "user-3"); !errors.Is(err, wantErr) {
		t.Fatalf("Load error = %v, want wrapping %v", err, wantErr)
	}
}

func TestSave_UpsertsEncodedDocument(t *testing.T) {
	db := &mockDB{}
	s := NewStore(db)

	prefs := DefaultPreferences()
	prefs.MasterVolume = 0.42
	if err := s.Save(context.Background(), "user-4", prefs); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(db.lastExecArgs) != 2 {
		t.Fatalf("Exec args = %v, want 2 (user_id, document)", db.lastExecArgs)
	}
	if db.lastExecArgs[0] != "user-4" {
		t.Errorf("Exec user_id arg = %v, want user-4", db.lastExecArgs[0])
	}
}

func TestPreferences_RoundTripPreservesExtra(t *testing.T) {
	in := DefaultPreferences()
	in.Extra = map[string]any{"clientBuild": "1.2.3"}

	data, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	var out Preferences
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if out.DefaultVolume != in.DefaultVolume {
		t.Errorf("DefaultVolume round trip = %v, want %v", out.DefaultVolume, in.DefaultVolume)
	}
	if out.Extra["clientBuild"] != "1.2.3" {
		t.Errorf("Extra round trip = %+v", out.Extra)
	}
}

func TestMigrate_ExecutesSchema(t *testing.T) {
	var ranSQL string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			ranSQL = sql
			return pgconn.CommandTag{}, nil
		},
	}
	s := NewStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if ranSQL != Schema {
		t.Error("Migrate did not execute Schema")
	}
}
