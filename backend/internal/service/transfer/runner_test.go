package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/infra/cursor"
	"audit-trail-app/backend/internal/infra/security"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/service/connection"
	"audit-trail-app/backend/internal/service/registry"

	"gorm.io/gorm"
)

type recordedEvent struct {
	code int
	data map[string]any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Emit(_ context.Context, code int, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{code: code, data: data})
}

func (n *recordingNotifier) codes() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.events))
	for i, e := range n.events {
		out[i] = e.code
	}
	return out
}

type fixture struct {
	conns    *connection.Service
	svc      *Service
	cache    *repository.TableCache
	local    *repository.OccurrenceRepository
	remotes  map[string]*gorm.DB
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	localDB := openTestDB(t, "local")
	cache := repository.NewTableCache(0)
	options := repository.NewOptionRepository(localDB, "wp_", cache)
	if err := options.Install(ctx); err != nil {
		t.Fatalf("install options: %v", err)
	}
	cipher, err := security.NewCipher("")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	f := &fixture{cache: cache, remotes: map[string]*gorm.DB{}, notifier: &recordingNotifier{}}
	opener := func(_ context.Context, cfg audit.ConnectionConfig, _ string) (*gorm.DB, func() error, error) {
		db, ok := f.remotes[cfg.DBName]
		if !ok {
			db = openTestDB(t, cfg.DBName)
			f.remotes[cfg.DBName] = db
		}
		return db, func() error { return nil }, nil
	}
	conns, err := connection.NewService(localDB, options, cipher, connection.Settings{LocalPrefix: "wp_"}, connection.WithOpener(opener))
	if err != nil {
		t.Fatalf("connection service: %v", err)
	}
	for _, name := range []string{"external", "mirror", "archive"} {
		cfg := audit.ConnectionConfig{Name: name, User: "u", Password: "p", DBName: name + "_db", Hostname: "db:3306", BasePrefix: name + "_"}
		if err := conns.SaveConnection(ctx, cfg); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	f.conns = conns
	f.svc = NewService(conns, cache, WithNotifier(f.notifier))
	f.local = conns.Local().Occurrences(cache)
	if err := f.local.Install(ctx); err != nil {
		t.Fatalf("install local: %v", err)
	}
	return f
}

func (f *fixture) remote(t *testing.T, name string) *repository.OccurrenceRepository {
	t.Helper()
	handle, err := f.conns.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return handle.Occurrences(f.cache)
}

func TestRunnerTickMirrorsArchivesAndPrunes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.conns.AssignRole(ctx, connection.RoleMirror, "mirror"); err != nil {
		t.Fatalf("assign mirror: %v", err)
	}
	if err := f.conns.AssignRole(ctx, connection.RoleArchive, "archive"); err != nil {
		t.Fatalf("assign archive: %v", err)
	}

	now := time.Unix(10_000, 0)
	// 20 条旧记录（超过归档期限），5 条新记录。
	seed(t, f.local, 20, 0, 1000)
	seed(t, f.local, 5, float64(now.Unix()-10), 1001)

	cursors := cursor.NewMemoryStore()
	runner := NewRunner(f.svc, f.conns, cursors, RunnerSettings{
		BatchSize:    50,
		ArchiveAfter: time.Hour,
	}, nil)
	runner.now = func() time.Time { return now }

	report, err := runner.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Mirrored != 25 || report.Archived != 20 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var pos MirrorCursor
	if ok, _ := cursors.Load(ctx, "mirror", &pos); !ok || pos.LastOccurrenceID != 25 {
		t.Fatalf("expected mirror cursor at 25, got %+v", pos)
	}
	if n, _ := f.remote(t, "mirror").CountAll(ctx); n != 25 {
		t.Fatalf("expected 25 mirrored rows, got %d", n)
	}
	if n, _ := f.remote(t, "archive").CountAll(ctx); n != 20 {
		t.Fatalf("expected 20 archived rows, got %d", n)
	}
	if n, _ := f.local.CountAll(ctx); n != 5 {
		t.Fatalf("expected 5 local rows left, got %d", n)
	}

	// 第二次调度从断点继续，没有新数据。
	report, err = runner.Tick(ctx)
	if err != nil || report.Mirrored != 0 || report.Archived != 0 {
		t.Fatalf("second tick should be empty, got %+v err=%v", report, err)
	}

	codes := f.notifier.codes()
	if len(codes) != 1 || codes[0] != registry.CodeArchiveBatchDone {
		t.Fatalf("expected one archive event, got %v", codes)
	}
}

func TestRunnerPrunesKeepLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed(t, f.local, 12, 0, 1000)

	runner := NewRunner(f.svc, f.conns, cursor.NewMemoryStore(), RunnerSettings{PruneKeepLatest: 10}, nil)
	report, err := runner.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", report.Pruned)
	}
	if codes := f.notifier.codes(); len(codes) != 1 || codes[0] != registry.CodeEventsPruned {
		t.Fatalf("expected prune event, got %v", codes)
	}
	if f.notifier.events[0].data["EventCount"] != int64(2) {
		t.Fatalf("unexpected event data: %v", f.notifier.events[0].data)
	}
}

func TestRunnerMigrationSwitchesAdapter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed(t, f.local, 250, 0, 1000)

	cursors := cursor.NewMemoryStore()
	runner := NewRunner(f.svc, f.conns, cursors, RunnerSettings{BatchSize: 100}, nil)

	if _, ok, err := runner.MigrationStep(ctx); ok || err != nil {
		t.Fatalf("no migration should be pending, ok=%v err=%v", ok, err)
	}
	if err := runner.StartMigration(ctx, DirectionForward, "external"); err != nil {
		t.Fatalf("start: %v", err)
	}

	var last MigrateProgress
	for i := 0; i < 3; i++ {
		progress, ok, err := runner.MigrationStep(ctx)
		if err != nil || !ok {
			t.Fatalf("step %d: ok=%v err=%v", i, ok, err)
		}
		last = progress
	}
	if !last.Complete || last.Total != 250 {
		t.Fatalf("unexpected final progress: %+v", last)
	}
	if _, ok, _ := runner.MigrationStep(ctx); ok {
		t.Fatalf("migration cursor should be cleared after completion")
	}

	adapter, err := f.conns.RoleConnection(ctx, connection.RoleAdapter)
	if err != nil || adapter != "external" {
		t.Fatalf("expected adapter switched to external, got %q err=%v", adapter, err)
	}
	def, err := f.conns.Default(ctx)
	if err != nil || def.Name != "external" {
		t.Fatalf("default handle should follow the adapter, got %+v err=%v", def, err)
	}
	if n, _ := f.remote(t, "external").CountAll(ctx); n != 250 {
		t.Fatalf("expected 250 rows in external, got %d", n)
	}
	if codes := f.notifier.codes(); len(codes) != 1 || codes[0] != registry.CodeMigrationFinished {
		t.Fatalf("expected migration event, got %v", codes)
	}
}
