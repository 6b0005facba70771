package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"faxhistoria.ai/internal/persistence/backup"
	"faxhistoria.ai/internal/turn"
)

func TestWriteMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	m := turn.Metrics{
		Submitted: 5, Committed: 3, Replayed: 1, TokensSpent: 1200,
		Rejected: map[string]int64{"quota": 1, "conflict": 2},
	}
	writeMetrics(rec, m, nil)
	body := rec.Body.String()
	for _, want := range []string{
		`faxhistoria_turns_total{outcome="committed"} 3`,
		`faxhistoria_turns_rejected_total{kind="conflict"} 2`,
		`faxhistoria_model_tokens_total 1200`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Index(body, `kind="conflict"`) > strings.Index(body, `kind="quota"`) {
		t.Fatalf("rejected kinds not sorted")
	}
	if strings.Contains(body, "faxhistoria_backup") {
		t.Fatalf("backup metrics without a mirror")
	}

	rec = httptest.NewRecorder()
	writeBackupMetrics(rec.Body, backup.Stats{Uploaded: 4, Capacity: 1024})
	if !strings.Contains(rec.Body.String(), `faxhistoria_backup_files_total{outcome="uploaded"} 4`) {
		t.Fatalf("backup metrics:\n%s", rec.Body.String())
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v", addr, got)
		}
	}
}

func TestDrainAll_WaitsConcurrently(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Each wait only finishes once both have started.
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	wait := func(ctx context.Context) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	errs := drainAll(ctx, wait, wait)
	if len(errs) != 2 || errs[0] != nil || errs[1] != nil {
		t.Fatalf("errs=%v", errs)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	stuck := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	errs = drainAll(short, stuck, func(context.Context) error { return nil })
	if !errors.Is(errs[0], context.DeadlineExceeded) || errs[1] != nil {
		t.Fatalf("errs=%v", errs)
	}
}
