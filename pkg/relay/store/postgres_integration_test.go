package store

import (
	"context"
	"os"
	"testing"
	"time"
)

func setupTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("RELAY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set, skipping integration test")
	}
	p, err := NewPostgres(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestIntegration_PostgresSaveCallReplacesTurns(t *testing.T) {
	p := setupTestPostgres(t)
	ctx := context.Background()

	id := "int-call-" + time.Now().Format("20060102150405.000")
	rec := testRecord(id)
	if err := p.SaveCall(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec.Transcript = rec.Transcript[:1]
	rec.EndReason = "agent_error"
	if err := p.SaveCall(ctx, rec); err != nil {
		t.Fatalf("resave: %v", err)
	}

	var turns int
	var reason string
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM relay_call_turns WHERE connection_id = $1`, id).Scan(&turns); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if err := p.pool.QueryRow(ctx, `SELECT end_reason FROM relay_calls WHERE connection_id = $1`, id).Scan(&reason); err != nil {
		t.Fatalf("read call: %v", err)
	}
	if turns != 1 || reason != "agent_error" {
		t.Fatalf("turns=%d reason=%q, want 1 agent_error", turns, reason)
	}

	_, _ = p.pool.Exec(ctx, `DELETE FROM relay_calls WHERE connection_id = $1`, id)
}
