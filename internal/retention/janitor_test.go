package retention_test

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plansmith/plansmith/engine/internal/retention"
	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

func seedTerminalJob(t *testing.T, st *store.MemoryStore, requestID string, age time.Duration) {
	t.Helper()
	job := &models.GenerationJob{
		RequestID: requestID,
		SessionID: "sess-1",
		CreatedAt: time.Now().UTC().Add(-age),
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := st.TransitionJob(context.Background(), requestID, models.JobProcessing, models.JobUpdate{}); err != nil {
		t.Fatalf("TransitionJob(processing) error = %v", err)
	}
	if err := st.TransitionJob(context.Background(), requestID, models.JobCompleted, models.JobUpdate{}); err != nil {
		t.Fatalf("TransitionJob(completed) error = %v", err)
	}
}

func TestRunCycle_PurgesExpiredTerminalJobs(t *testing.T) {
	st := store.NewMemoryStore()
	seedTerminalJob(t, st, "req-old", 40*24*time.Hour)
	seedTerminalJob(t, st, "req-fresh", time.Hour)

	// A queued job older than the window must survive: it is not terminal.
	stuck := &models.GenerationJob{
		RequestID: "req-stuck",
		SessionID: "sess-1",
		CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour),
	}
	if err := st.CreateJob(context.Background(), stuck); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	j := retention.NewJanitor(st, time.Hour, 30*24*time.Hour)
	j.RunCycle(context.Background())

	if _, err := st.GetJob(context.Background(), "req-old"); err == nil {
		t.Error("expected req-old to be purged")
	}
	if _, err := st.GetJob(context.Background(), "req-fresh"); err != nil {
		t.Errorf("req-fresh should survive, got error %v", err)
	}
	if _, err := st.GetJob(context.Background(), "req-stuck"); err != nil {
		t.Errorf("req-stuck should survive, got error %v", err)
	}
}

func TestRunCycle_PurgesAgedRateLimitCounters(t *testing.T) {
	st := store.NewMemoryStore()

	past := time.Now().UTC().Add(-31 * 24 * time.Hour)
	st.SetClock(func() time.Time { return past })
	if _, err := st.CheckAndIncrement(context.Background(), "stale-key", models.ActorAnonymous, 5, time.Hour); err != nil {
		t.Fatalf("CheckAndIncrement() error = %v", err)
	}
	st.SetClock(time.Now)
	if _, err := st.CheckAndIncrement(context.Background(), "live-key", models.ActorAnonymous, 5, time.Hour); err != nil {
		t.Fatalf("CheckAndIncrement() error = %v", err)
	}

	j := retention.NewJanitor(st, time.Hour, 30*24*time.Hour)
	j.RunCycle(context.Background())

	// The stale counter is gone: a re-run of the purge finds nothing.
	n, err := st.PurgeExpiredRateLimits(context.Background(), time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpiredRateLimits() error = %v", err)
	}
	if n != 0 {
		t.Errorf("counters purged on second pass = %d, want 0", n)
	}

	// The live counter must still hold its count: a second check against a
	// limit of 1 is denied.
	dec, err := st.CheckAndIncrement(context.Background(), "live-key", models.ActorAnonymous, 1, time.Hour)
	if err != nil {
		t.Fatalf("CheckAndIncrement() error = %v", err)
	}
	if dec.Allowed {
		t.Error("live counter was purged: expected denial at limit 1")
	}
}

type failingArchiver struct{}

func (failingArchiver) ArchiveJobs(context.Context, []models.GenerationJob) (string, error) {
	return "", errors.New("disk full")
}

func TestRunCycle_ArchiveFailureSkipsPurge(t *testing.T) {
	st := store.NewMemoryStore()
	seedTerminalJob(t, st, "req-old", 40*24*time.Hour)

	j := retention.NewJanitor(st, time.Hour, 30*24*time.Hour)
	j.SetArchiver(failingArchiver{})
	j.RunCycle(context.Background())

	if _, err := st.GetJob(context.Background(), "req-old"); err != nil {
		t.Errorf("job must survive a failed archive, got error %v", err)
	}
}

func TestLocalFileArchiver_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	a := retention.NewLocalFileArchiver(dir, false)

	jobs := []models.GenerationJob{
		{RequestID: "req-1", SessionID: "sess-1", Status: models.JobCompleted},
		{RequestID: "req-2", SessionID: "sess-1", Status: models.JobFailed},
	}
	uri, err := a.ArchiveJobs(context.Background(), jobs)
	if err != nil {
		t.Fatalf("ArchiveJobs() error = %v", err)
	}
	if !strings.HasPrefix(uri, filepath.Join(dir, "jobs")) {
		t.Errorf("archive path = %q, want under %q", uri, filepath.Join(dir, "jobs"))
	}

	data, err := os.ReadFile(uri)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("archive lines = %d, want 2", len(lines))
	}
	var got models.GenerationJob
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", got.RequestID, "req-1")
	}
}

func TestLocalFileArchiver_Compressed(t *testing.T) {
	dir := t.TempDir()
	a := retention.NewLocalFileArchiver(dir, true)

	uri, err := a.ArchiveJobs(context.Background(), []models.GenerationJob{
		{RequestID: "req-1", Status: models.JobCompleted},
	})
	if err != nil {
		t.Fatalf("ArchiveJobs() error = %v", err)
	}
	if !strings.HasSuffix(uri, ".gz") {
		t.Errorf("archive path = %q, want .gz suffix", uri)
	}

	f, err := os.Open(uri)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	var got models.GenerationJob
	if err := json.NewDecoder(gr).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", got.RequestID, "req-1")
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	st := store.NewMemoryStore()
	j := retention.NewJanitor(st, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after context cancel")
	}
}
