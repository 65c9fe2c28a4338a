package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	steps := []struct{ from, to, cause string }{
		{"CREATED", "CONNECTING", ""},
		{"CONNECTING", "QRCODE", ""},
		{"QRCODE", "CONNECTED", ""},
		{"CONNECTED", "RECONNECTING", "connection-lost"},
	}
	for _, s := range steps {
		if err := j.Record(ctx, "acme", s.from, s.to, s.cause); err != nil {
			t.Fatalf("Record(%s->%s): %v", s.from, s.to, err)
		}
	}

	got, err := j.Recent(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("Recent returned %d entries, want %d", len(got), len(steps))
	}
	// Newest first.
	if got[0].To != "RECONNECTING" || got[0].Cause != "connection-lost" {
		t.Errorf("newest entry = %+v, want RECONNECTING/connection-lost", got[0])
	}
	if got[len(got)-1].From != "CREATED" {
		t.Errorf("oldest entry from = %q, want CREATED", got[len(got)-1].From)
	}
}

func TestRecentFiltersByChannel(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	j.Record(ctx, "acme", "CREATED", "CONNECTING", "")
	j.Record(ctx, "beta", "CREATED", "CONNECTING", "")
	j.Record(ctx, "acme", "CONNECTING", "CONNECTED", "")

	got, err := j.Recent(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(acme) returned %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.ChannelID != "acme" {
			t.Errorf("entry for %q leaked into acme filter", e.ChannelID)
		}
	}

	all, err := j.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Recent(\"\") returned %d entries, want 3", len(all))
	}
}

func TestRecentLimit(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		j.Record(ctx, "acme", "CONNECTED", "RECONNECTING", "connection-lost")
	}
	got, err := j.Recent(ctx, "acme", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Recent returned %d entries, want 3", len(got))
	}
}

func TestPruneBefore(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	j.Record(ctx, "acme", "CREATED", "CONNECTING", "")
	j.Record(ctx, "acme", "CONNECTING", "CONNECTED", "")

	n, err := j.PruneBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}
	got, _ := j.Recent(ctx, "acme", 10)
	if len(got) != 0 {
		t.Errorf("%d entries survived prune, want 0", len(got))
	}
}

func TestPruneKeepsNewRows(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	j.Record(ctx, "acme", "CREATED", "CONNECTING", "")

	n, err := j.PruneBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 0 {
		t.Errorf("pruned %d rows, want 0", n)
	}
}
