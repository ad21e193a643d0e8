package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"truecoding/internal/db"
	"truecoding/internal/domain"
	"truecoding/internal/events"
	"truecoding/internal/migrate"
	"truecoding/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedRun(t *testing.T, r repo.Repo, projectID, runID string, status domain.RunStatus) error {
	t.Helper()
	ctx := context.Background()
	now := domain.Timestamp(time.Now())
	if _, err := r.GetProject(ctx, projectID); errors.Is(err, repo.ErrNotFound) {
		if err := r.InsertProject(ctx, nil, domain.Project{ID: projectID, OwnerID: "owner-1", Name: projectID, CreatedAt: now}); err != nil {
			t.Fatalf("insert project: %v", err)
		}
	}
	return r.InsertRun(ctx, nil, domain.DevelopmentRun{
		ID: runID, ProjectID: projectID, Status: status, CreatedAt: now, UpdatedAt: now,
	}, nil)
}

func appendInfo(ctx context.Context, r repo.Repo, w events.Writer, runID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := w.Append(ctx, tx, runID, "", "tick", nil); err != nil {
		return err
	}
	return tx.Commit()
}

func TestConcurrentAppendsStayGapless(t *testing.T) {
	r := openRepo(t)
	if err := seedRun(t, r, "p1", "run-1", domain.RunRunning); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	ctx := context.Background()
	w := events.Writer{}
	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := appendInfo(ctx, r, w, "run-1"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	evts, err := r.RunEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("run events: %v", err)
	}
	if len(evts) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(evts))
	}
	for i, e := range evts {
		if e.Sequence != int64(i+1) {
			t.Fatalf("gap at position %d: sequence %d", i, e.Sequence)
		}
	}
}

func TestSequencesArePerRun(t *testing.T) {
	r := openRepo(t)
	if err := seedRun(t, r, "p1", "run-a", domain.RunFailed); err != nil {
		t.Fatalf("seed run a: %v", err)
	}
	if err := seedRun(t, r, "p2", "run-b", domain.RunRunning); err != nil {
		t.Fatalf("seed run b: %v", err)
	}
	ctx := context.Background()
	w := events.Writer{}
	for _, runID := range []string{"run-a", "run-b", "run-a"} {
		if err := appendInfo(ctx, r, w, runID); err != nil {
			t.Fatalf("append %s: %v", runID, err)
		}
	}
	a, _ := r.RunEvents(ctx, "run-a")
	b, _ := r.RunEvents(ctx, "run-b")
	if len(a) != 2 || a[1].Sequence != 2 || len(b) != 1 || b[0].Sequence != 1 {
		t.Fatalf("unexpected sequences a=%v b=%v", a, b)
	}
	page, err := r.EventsAfter(ctx, "run-a", 1, 10)
	if err != nil || len(page) != 1 || page[0].Sequence != 2 {
		t.Fatalf("events after 1 = %v, %v", page, err)
	}
	all, err := r.EventsAfterID(ctx, 0, 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("events after id 0 = %d, %v", len(all), err)
	}
}

func TestEventLogIsAppendOnly(t *testing.T) {
	r := openRepo(t)
	if err := seedRun(t, r, "p1", "run-1", domain.RunRunning); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	ctx := context.Background()
	if err := appendInfo(ctx, r, events.Writer{}, "run-1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE dev_events SET message='rewritten' WHERE run_id='run-1'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM dev_events WHERE run_id='run-1'`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
	evts, _ := r.RunEvents(ctx, "run-1")
	if len(evts) != 1 || evts[0].Message == nil || *evts[0].Message != "tick" {
		t.Fatalf("event was modified: %+v", evts)
	}
}

func TestAppendRequiresTransaction(t *testing.T) {
	_, err := events.Writer{}.Append(context.Background(), (*sql.Tx)(nil), "run-1", "", "", nil)
	if err == nil {
		t.Fatalf("expected error without transaction")
	}
}

func TestOneActiveRunPerProject(t *testing.T) {
	r := openRepo(t)
	if err := seedRun(t, r, "p1", "run-1", domain.RunQueued); err != nil {
		t.Fatalf("seed first run: %v", err)
	}
	err := seedRun(t, r, "p1", "run-2", domain.RunRunning)
	if !repo.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	// terminal runs do not count against the limit
	if err := seedRun(t, r, "p1", "run-3", domain.RunFailed); err != nil {
		t.Fatalf("insert terminal run: %v", err)
	}
	ctx := context.Background()
	active, err := r.ActiveRun(ctx, nil, "p1")
	if err != nil || active.ID != "run-1" {
		t.Fatalf("active run = %+v, %v", active, err)
	}
	if n, err := r.CountRuns(ctx, "p1"); err != nil || n != 2 {
		t.Fatalf("count runs = %d, %v", n, err)
	}
}

func TestAPIKeyLookupByHash(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "owner-1", Name: "ci", KeyHash: repo.HashAPIKey("tc_secret"), CreatedAt: domain.Timestamp(time.Now())}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("tc_secret"))
	if err != nil || got.ActorID != "owner-1" {
		t.Fatalf("lookup = %+v, %v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
