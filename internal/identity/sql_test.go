package identity

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`CREATE TABLE users (
		id               TEXT PRIMARY KEY,
		display_name     TEXT NOT NULL DEFAULT '',
		message_count    BIGINT NOT NULL DEFAULT 0,
		engagement_score BIGINT NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL,
		last_seen_at     BIGINT NOT NULL
	)`)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSQLStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_ResolveAndUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	ok, err := s.Resolve(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("u1 should not resolve before upsert")
	}

	if err := s.Upsert(ctx, "u1", "Alice"); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Resolve(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("u1 should resolve after upsert")
	}

	// Second upsert with a new name must not error or duplicate.
	if err := s.Upsert(ctx, "u1", "Alice L"); err != nil {
		t.Fatal(err)
	}
	var name string
	if err := s.db.QueryRow(`SELECT display_name FROM users WHERE id = $1`, "u1").Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Alice L" {
		t.Errorf("display_name = %q, want Alice L", name)
	}
}

func TestSQLStore_Counters(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	if err := s.Upsert(ctx, "u1", "Alice"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordMessage(ctx, "u1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddEngagement(ctx, "u1", 5); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEngagement(ctx, "u1", -2); err != nil {
		t.Fatal(err)
	}

	var msgs, score int64
	if err := s.db.QueryRow(`SELECT message_count, engagement_score FROM users WHERE id = $1`, "u1").Scan(&msgs, &score); err != nil {
		t.Fatal(err)
	}
	if msgs != 3 {
		t.Errorf("message_count = %d, want 3", msgs)
	}
	if score != 3 {
		t.Errorf("engagement_score = %d, want 3", score)
	}
}

func TestSQLStore_CountActiveSince(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	if err := s.Upsert(ctx, "u1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "u2", "Bob"); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountActiveSince(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("active = %d, want 2", n)
	}

	n, err = s.CountActiveSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("active in the future = %d, want 0", n)
	}
}
