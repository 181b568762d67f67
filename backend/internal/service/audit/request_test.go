package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	domain "audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/service/registry"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stored struct {
	occ  domain.Occurrence
	meta map[string]any
}

type memoryStorage struct {
	mu          sync.Mutex
	rows        []stored
	latestCalls int
	failNext    int
	err         error
}

func (s *memoryStorage) Create(_ context.Context, occ *domain.Occurrence, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.failNext > 0 {
		s.failNext--
		return errors.New("database is gone")
	}
	copied := make(map[string]any, len(meta))
	for k, v := range meta {
		if !occ.SetPromoted(k, v) {
			copied[k] = v
		}
	}
	occ.ID = uint64(len(s.rows) + 1)
	s.rows = append(s.rows, stored{occ: *occ, meta: copied})
	return nil
}

func (s *memoryStorage) Latest(_ context.Context, n int, _ ...int) ([]domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestCalls++
	out := make([]domain.Occurrence, 0, n)
	for i := len(s.rows) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.rows[i].occ)
	}
	return out, nil
}

func (s *memoryStorage) codes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.rows))
	for i, row := range s.rows {
		out[i] = row.occ.AlertID
	}
	return out
}

type fakeUsers map[uint64]*Principal

func (f fakeUsers) FindUser(_ context.Context, id uint64) (*Principal, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

type staticSessions string

func (s staticSessions) SessionID(context.Context, RequestContext) string { return string(s) }

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)
	if err := reg.AddLoader(registry.CoreLoader); err != nil {
		t.Fatalf("core loader: %v", err)
	}
	err := reg.RegisterGroup(registry.Group{{
		Category:    "Content",
		Subcategory: "Posts",
		Definitions: []domain.Definition{
			{Code: 2000, Severity: domain.SeverityHigh, Description: "Post created", Message: "Created %PostTitle%.", Object: "post", EventType: "created"},
			{Code: 2001, Severity: domain.SeverityLow, Description: "Post modified", Message: "Modified %PostTitle%.", Object: "post", EventType: "modified"},
			{Code: 5000, Severity: domain.SeverityMedium, Description: "Order placed", Message: "Order %OrderID%.", Object: "woocommerce-order", EventType: "created"},
		},
	}})
	if err != nil {
		t.Fatalf("register group: %v", err)
	}
	return reg
}

func newTestManager(t *testing.T, storage Storage, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(newTestRegistry(t), storage, cfg, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestSystemEventEnrichmentDefaults(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{})
	req := m.NewRequest(RequestContext{RemoteAddr: "203.0.113.9:5123", UserAgent: "cron/1.0"})

	req.Trigger(context.Background(), registry.CodeEventsPruned, map[string]any{}, false)

	if len(storage.rows) != 1 {
		t.Fatalf("expected one stored occurrence, got %d", len(storage.rows))
	}
	occ := storage.rows[0].occ
	if occ.Username != LabelSystem {
		t.Fatalf("expected System username, got %q", occ.Username)
	}
	if occ.Severity != domain.SeverityCodeInformational || occ.Object != "system" || occ.EventType != "deleted" {
		t.Fatalf("unexpected enrichment: %+v", occ)
	}
	if occ.ClientIP != "203.0.113.9" || occ.UserAgent != "cron/1.0" {
		t.Fatalf("expected request environment to be stamped: %+v", occ)
	}
	if occ.CreatedOn <= 0 {
		t.Fatalf("expected timestamp to be stamped")
	}
	if !req.HasTriggered(registry.CodeEventsPruned) {
		t.Fatalf("expected code recorded as triggered")
	}
}

func TestAnonymousLabelsFollowObject(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{SystemLabels: map[string]string{"woocommerce-order": "WooCommerce"}})
	req := m.NewRequest(RequestContext{})
	ctx := context.Background()

	req.Trigger(ctx, 5000, map[string]any{"OrderID": 7}, false)
	req.Trigger(ctx, 2000, map[string]any{"PostTitle": "x"}, false)

	if storage.rows[0].occ.Username != "WooCommerce System" {
		t.Fatalf("expected integration label, got %q", storage.rows[0].occ.Username)
	}
	if storage.rows[1].occ.Username != LabelUnknownUser {
		t.Fatalf("expected unknown user label, got %q", storage.rows[1].occ.Username)
	}
	if storage.rows[1].occ.Severity != domain.SeverityCodeHigh {
		t.Fatalf("expected high severity code, got %d", storage.rows[1].occ.Severity)
	}
}

func TestDeletedUserAndSession(t *testing.T) {
	storage := &memoryStorage{}
	users := fakeUsers{7: {ID: 7, Username: "editor7", Roles: []string{"editor"}}}
	m := newTestManager(t, storage, Config{}, WithUserDirectory(users), WithSessionTracker(staticSessions("sess-1")))
	ctx := context.Background()

	m.NewRequest(RequestContext{User: &Principal{ID: 7}}).Trigger(ctx, 2000, nil, false)
	m.NewRequest(RequestContext{User: &Principal{ID: 99, Username: "ghost"}}).Trigger(ctx, 2000, nil, false)

	first := storage.rows[0].occ
	if first.Username != "editor7" || first.UserRoles != "editor" || first.SessionID != "sess-1" || first.UserID != 7 {
		t.Fatalf("unexpected resolved user: %+v", first)
	}
	if storage.rows[1].occ.Username != LabelDeleted {
		t.Fatalf("expected Deleted label, got %q", storage.rows[1].occ.Username)
	}
}

func TestSwitchedUserOverridesPayload(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{ExcludedUsers: []string{"bob"}})
	ctx := context.Background()

	req := m.NewRequest(RequestContext{
		User:         &Principal{ID: 1, Username: "admin", Roles: []string{"administrator"}},
		SwitchedUser: &Principal{ID: 2, Username: "bob", Roles: []string{"subscriber"}},
	})
	req.Trigger(ctx, 2000, map[string]any{domain.MetaUsername: "alice"}, false)
	if len(storage.rows) != 0 {
		t.Fatalf("switched user must be used for filtering")
	}
}

func TestFilterDropsExcludedUsersRolesAndIPs(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{
		ExcludedUsers:        []string{"Bot"},
		ExcludedRoles:        []string{"shop_manager"},
		ExcludedIPs:          []string{"10.0.0.0/8", "192.168.1.10-20", "2001:db8::1"},
		ExcludedPostTypes:    []string{"revision"},
		ExcludedPostStatuses: []string{"auto-draft"},
	})
	ctx := context.Background()

	cases := []struct {
		rc   RequestContext
		data map[string]any
	}{
		{RequestContext{RemoteAddr: "10.2.3.4:80"}, nil},
		{RequestContext{RemoteAddr: "192.168.1.15"}, nil},
		{RequestContext{RemoteAddr: "[2001:db8::1]:443"}, nil},
		{RequestContext{User: &Principal{ID: 3, Username: "bot"}}, nil},
		{RequestContext{}, map[string]any{domain.MetaUsername: "someone", domain.MetaCurrentUserRoles: []string{"shop_manager"}}},
		{RequestContext{}, map[string]any{domain.MetaPostType: "revision"}},
		{RequestContext{}, map[string]any{domain.MetaPostStatus: "auto-draft"}},
	}
	for i, tc := range cases {
		m.NewRequest(tc.rc).Trigger(ctx, 2000, tc.data, false)
		if len(storage.rows) != 0 {
			t.Fatalf("case %d: expected event to be filtered", i)
		}
	}

	m.NewRequest(RequestContext{RemoteAddr: "192.168.1.21"}).Trigger(ctx, 2000, nil, false)
	if len(storage.rows) != 1 {
		t.Fatalf("address outside range must be logged")
	}
}

func TestTrustProxyCollectsOtherIPs(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{TrustProxy: true})
	header := http.Header{}
	header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.2")
	header.Set("X-Real-Ip", "198.51.100.7")

	m.NewRequest(RequestContext{RemoteAddr: "127.0.0.1:9000", Header: header}).Trigger(context.Background(), 2000, nil, false)

	row := storage.rows[0]
	if row.occ.ClientIP != "198.51.100.7" {
		t.Fatalf("expected forwarded client ip, got %q", row.occ.ClientIP)
	}
	others, ok := row.meta[domain.MetaOtherIPs].([]string)
	if !ok || len(others) != 2 {
		t.Fatalf("expected other ips, got %#v", row.meta[domain.MetaOtherIPs])
	}
}

func TestDeferredPipelineOrdering(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{})
	ctx := context.Background()

	req := m.NewRequest(RequestContext{})
	req.TriggerIf(ctx, 2000, nil, func() bool { return true })
	req.TriggerIf(ctx, 2001, nil, func() bool { return true })
	if !req.WillTrigger(2000) || req.HasTriggered(2000) {
		t.Fatalf("expected 2000 to be pending only")
	}
	req.CommitPipeline(ctx)
	if got := storage.codes(); len(got) != 2 || got[0] != 2000 || got[1] != 2001 {
		t.Fatalf("expected FIFO commit, got %v", got)
	}
	if !req.WillOrHasTriggered(2001) || req.WillTrigger(2001) {
		t.Fatalf("unexpected pipeline state after flush")
	}

	storage2 := &memoryStorage{}
	m2 := newTestManager(t, storage2, Config{})
	req2 := m2.NewRequest(RequestContext{})
	req2.TriggerIf(ctx, 2000, nil, func() bool { return false })
	req2.TriggerIf(ctx, 2001, nil, func() bool { return true })
	req2.CommitPipeline(ctx)
	if got := storage2.codes(); len(got) != 1 || got[0] != 2001 {
		t.Fatalf("expected only B committed, got %v", got)
	}
}

func TestConditionEvaluatedAtFlush(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{})
	ctx := context.Background()

	changed := false
	req := m.NewRequest(RequestContext{})
	req.TriggerIf(ctx, 2001, nil, func() bool { return changed })
	changed = true
	req.CommitPipeline(ctx)
	if len(storage.rows) != 1 {
		t.Fatalf("condition must be evaluated at flush time")
	}

	req.Trigger(ctx, 2000, nil, true)
	if len(storage.rows) != 2 {
		t.Fatalf("deferred triggers after flush commit immediately")
	}
}

func TestFailedCommitIsRequeued(t *testing.T) {
	storage := &memoryStorage{failNext: 1}
	m := newTestManager(t, storage, Config{})
	ctx := context.Background()

	req := m.NewRequest(RequestContext{})
	req.Trigger(ctx, 2000, nil, true)
	req.Trigger(ctx, 2001, nil, true)
	req.CommitPipeline(ctx)
	if req.Pending() != 1 || len(storage.rows) != 1 {
		t.Fatalf("expected failed item re-queued, pending=%d rows=%d", req.Pending(), len(storage.rows))
	}
	req.CommitPipeline(ctx)
	if got := storage.codes(); req.Pending() != 0 || len(got) != 2 || got[1] != 2000 {
		t.Fatalf("expected retry to commit, got %v", got)
	}
}

func TestUnregisteredAndDisabledCodesAreDropped(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{DisabledAlerts: []int{2001}})
	ctx := context.Background()

	req := m.NewRequest(RequestContext{})
	req.Trigger(ctx, 9999, nil, false)
	req.Trigger(ctx, 2001, nil, false)
	req.Trigger(ctx, 2000, nil, true)
	req.CommitPipeline(ctx)

	if got := storage.codes(); len(got) != 1 || got[0] != 2000 {
		t.Fatalf("expected only 2000 stored, got %v", got)
	}
	if req.Pending() != 0 {
		t.Fatalf("dropped events must not be retried")
	}
}

func TestUnregisteredCodeRetriesAfterReload(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{})
	late := false
	if err := m.Registry().AddLoader(func(r *registry.Registry) error {
		if !late {
			return nil
		}
		return r.Register("Late", "Late", domain.Definition{Code: 8100, Description: "late", Object: "system"})
	}); err != nil {
		t.Fatalf("add loader: %v", err)
	}
	late = true

	m.NewRequest(RequestContext{}).Trigger(context.Background(), 8100, nil, false)
	if got := storage.codes(); len(got) != 1 || got[0] != 8100 {
		t.Fatalf("expected event stored after reload, got %v", got)
	}
}

func TestNotInstalledDropsWithoutRetry(t *testing.T) {
	storage := &memoryStorage{err: fmt.Errorf("%w: wp_audit_occurrences", repository.ErrNotInstalled)}
	m := newTestManager(t, storage, Config{})
	ctx := context.Background()

	req := m.NewRequest(RequestContext{})
	req.Trigger(ctx, 2000, nil, true)
	req.CommitPipeline(ctx)
	if req.Pending() != 0 {
		t.Fatalf("not-installed storage must drop events")
	}
}

func TestWasTriggeredRecentlyIsMemoized(t *testing.T) {
	storage := &memoryStorage{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, storage, Config{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	m.NewRequest(RequestContext{}).Trigger(ctx, 2000, nil, false)

	req := m.NewRequest(RequestContext{})
	if !req.WasTriggeredRecently(ctx, 2000) {
		t.Fatalf("expected recent hit")
	}
	calls := storage.latestCalls
	if !req.WasTriggeredRecently(ctx, 2000) {
		t.Fatalf("expected memoized hit")
	}
	if storage.latestCalls != calls {
		t.Fatalf("expected no second storage read")
	}

	now = now.Add(10 * time.Second)
	other := m.NewRequest(RequestContext{})
	if other.WasTriggeredRecently(ctx, 2000) {
		t.Fatalf("hit outside the window must not count")
	}
	if !other.WasTriggered(ctx, 2000, 2001) || other.WasTriggered(ctx, 2001) {
		t.Fatalf("unexpected WasTriggered result")
	}
}

func TestLogHelpersUseInternalCodes(t *testing.T) {
	storage := &memoryStorage{}
	m := newTestManager(t, storage, Config{})
	ctx := context.Background()

	req := m.NewRequest(RequestContext{})
	req.LogError(ctx, "boom", map[string]any{"step": 1})
	req.LogWarn(ctx, "careful", nil)
	req.LogInfo(ctx, "fyi", nil)

	if got := storage.codes(); len(got) != 3 || got[0] != registry.CodeLogError || got[1] != registry.CodeLogWarning || got[2] != registry.CodeLogInfo {
		t.Fatalf("unexpected internal codes: %v", got)
	}
	if storage.rows[0].meta["Message"] != "boom" || storage.rows[0].occ.Username != LabelSystem {
		t.Fatalf("unexpected internal event: %+v", storage.rows[0])
	}
}

func TestFilteredUsersNeverReachDatabase(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewOccurrenceRepository(db, "wp_", repository.NewTableCache(time.Minute))
	ctx := context.Background()
	if err := repo.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	m := newTestManager(t, repo, Config{ExcludedUsers: []string{"carol"}, ExcludedRoles: []string{"contributor"}})

	m.NewRequest(RequestContext{User: &Principal{ID: 4, Username: "carol"}}).Trigger(ctx, 2000, nil, false)
	m.NewRequest(RequestContext{User: &Principal{ID: 5, Username: "dave", Roles: []string{"contributor"}}}).Trigger(ctx, 2000, nil, false)
	m.NewRequest(RequestContext{User: &Principal{ID: 6, Username: "erin", Roles: []string{"author"}}}).Trigger(ctx, 2000, map[string]any{"PostTitle": "Kept"}, false)

	total, err := repo.CountAll(ctx)
	if err != nil || total != 1 {
		t.Fatalf("expected only the unfiltered event, got %d %v", total, err)
	}
	latest, err := repo.Latest(ctx, 1)
	if err != nil || len(latest) != 1 || latest[0].Username != "erin" || latest[0].Severity != domain.SeverityCodeHigh {
		t.Fatalf("unexpected stored row: %+v %v", latest, err)
	}
}
