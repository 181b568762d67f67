package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/infra/security"
	"audit-trail-app/backend/internal/repository"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type fakeOpener struct {
	t         *testing.T
	dbs       map[string]*gorm.DB
	calls     int
	passwords []string
	err       error
}

func (f *fakeOpener) open(_ context.Context, cfg audit.ConnectionConfig, password string) (*gorm.DB, func() error, error) {
	f.calls++
	f.passwords = append(f.passwords, password)
	if f.err != nil {
		return nil, nil, f.err
	}
	db, ok := f.dbs[cfg.DBName]
	if !ok {
		db = openTestDB(f.t, cfg.DBName)
		f.dbs[cfg.DBName] = db
	}
	return db, func() error { return nil }, nil
}

func newTestService(t *testing.T, settings Settings) (*Service, *fakeOpener, *gorm.DB) {
	t.Helper()
	local := openTestDB(t, "local")
	options := repository.NewOptionRepository(local, "wp_", repository.NewTableCache(0))
	if err := options.Install(context.Background()); err != nil {
		t.Fatalf("install options: %v", err)
	}
	cipher, err := security.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	opener := &fakeOpener{t: t, dbs: map[string]*gorm.DB{}}
	if settings.LocalPrefix == "" {
		settings.LocalPrefix = "wp_"
	}
	svc, err := NewService(local, options, cipher, settings, WithOpener(opener.open))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, opener, local
}

func archiveConfig(name, db string) audit.ConnectionConfig {
	return audit.ConnectionConfig{
		Name:       name,
		Type:       audit.ConnectionTypeMySQL,
		User:       "archiver",
		Password:   "s3cret",
		DBName:     db,
		Hostname:   "archive.internal:3306",
		BasePrefix: "arch_",
	}
}

func TestSaveConnectionEncryptsPassword(t *testing.T) {
	ctx := context.Background()
	svc, opener, _ := newTestService(t, Settings{})

	if err := svc.SaveConnection(ctx, archiveConfig("archive", "archive_db")); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, ok, err := svc.options.Get(ctx, connectionOptionPrefix+"archive")
	if err != nil || !ok {
		t.Fatalf("expected stored option, ok=%v err=%v", ok, err)
	}
	if strings.Contains(raw, "s3cret") {
		t.Fatalf("password stored in plaintext: %s", raw)
	}

	handle, err := svc.Get(ctx, "archive")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if handle.Prefix != "arch_" || handle.IsLocal() {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if opener.passwords[0] != "s3cret" {
		t.Fatalf("opener should receive decrypted password, got %q", opener.passwords[0])
	}

	// 密码留空时沿用原有密文。
	cfg := archiveConfig("archive", "archive_db")
	cfg.Password = ""
	if err := svc.SaveConnection(ctx, cfg); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if _, err := svc.Get(ctx, "archive"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if opener.passwords[1] != "s3cret" {
		t.Fatalf("expected preserved password, got %q", opener.passwords[1])
	}
}

func TestSaveConnectionValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, Settings{})

	if err := svc.SaveConnection(ctx, audit.ConnectionConfig{Name: "local"}); !errors.Is(err, ErrReservedName) {
		t.Fatalf("expected reserved name error, got %v", err)
	}
	err := svc.SaveConnection(ctx, audit.ConnectionConfig{Name: "pg", Type: "postgres"})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Kind != KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected unknown connection, got %v", err)
	}
}

func TestDefaultIsCachedAndGetIsNot(t *testing.T) {
	ctx := context.Background()
	svc, opener, _ := newTestService(t, Settings{})

	local, err := svc.Default(ctx)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if !local.IsLocal() {
		t.Fatalf("expected local default without adapter connection")
	}

	if err := svc.SaveConnection(ctx, archiveConfig("external", "external_db")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.AssignRole(ctx, RoleAdapter, "external"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	first, err := svc.Default(ctx)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	second, _ := svc.Default(ctx)
	if first != second || first.Name != "external" {
		t.Fatalf("expected the same cached external handle")
	}
	if opener.calls != 1 {
		t.Fatalf("expected one open for cached default, got %d", opener.calls)
	}

	_, _ = svc.Get(ctx, "external")
	_, _ = svc.Get(ctx, "external")
	if opener.calls != 3 {
		t.Fatalf("named handles are built on every call, got %d opens", opener.calls)
	}
}

func TestArchiveModeRoutesReads(t *testing.T) {
	ctx := context.Background()
	svc, opener, _ := newTestService(t, Settings{})
	cache := repository.NewTableCache(0)
	storage := NewStorage(svc, cache)

	if err := svc.EnableArchiveMode(ctx); !errors.Is(err, ErrArchiveNotConfigured) {
		t.Fatalf("expected archive not configured, got %v", err)
	}

	writer, err := storage.Writer(ctx)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := writer.Install(ctx); err != nil {
		t.Fatalf("install local: %v", err)
	}
	if err := storage.Create(ctx, &audit.Occurrence{AlertID: 1000, CreatedOn: 1}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.SaveConnection(ctx, archiveConfig("archive", "archive_db")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.AssignRole(ctx, RoleArchive, "archive"); err != nil {
		t.Fatalf("assign archive: %v", err)
	}
	if err := svc.EnableArchiveMode(ctx); err != nil {
		t.Fatalf("enable archive mode: %v", err)
	}

	reader, release, err := storage.Reader(ctx)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer release()
	if reader.Tables()[0] != "arch_audit_occurrences" {
		t.Fatalf("expected archive tables, got %v", reader.Tables())
	}
	count, err := reader.CountAll(ctx)
	if err != nil || count != 0 {
		t.Fatalf("archive without tables should read as empty, got %d err=%v", count, err)
	}
	if opener.dbs["archive_db"] == nil {
		t.Fatalf("archive database was not opened")
	}

	svc.DisableArchiveMode()
	reader, release, _ = storage.Reader(ctx)
	defer release()
	if count, _ := reader.CountAll(ctx); count != 1 {
		t.Fatalf("expected local row after disabling archive mode, got %d", count)
	}
	latest, err := storage.Latest(ctx, 1)
	if err != nil || len(latest) != 1 || latest[0].AlertID != 1000 {
		t.Fatalf("unexpected latest: %+v err=%v", latest, err)
	}
}

func TestTestConnectionClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	svc, opener, _ := newTestService(t, Settings{})
	cfg := archiveConfig("probe", "probe_db")

	cases := []struct {
		err    error
		kind   ErrorKind
		number uint16
	}{
		{&mysqldriver.MySQLError{Number: 1045, Message: "Access denied"}, KindAuth, 1045},
		{&mysqldriver.MySQLError{Number: 1049, Message: "Unknown database"}, KindUnknownDatabase, 1049},
		{&mysqldriver.MySQLError{Number: 1040, Message: "Too many connections"}, KindConnectivity, 1040},
		{errors.New("dial tcp: connection refused"), KindConnectivity, 0},
	}
	for _, tc := range cases {
		opener.err = tc.err
		err := svc.TestConnection(ctx, cfg)
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
		if connErr.Kind != tc.kind || connErr.Number != tc.number {
			t.Fatalf("expected %s/%d, got %s/%d", tc.kind, tc.number, connErr.Kind, connErr.Number)
		}
	}

	opener.err = nil
	if err := svc.TestConnection(ctx, cfg); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	err := svc.TestConnection(ctx, audit.ConnectionConfig{Name: "empty"})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Kind != KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestListAndDeleteConnections(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, Settings{Mirror: "mirror"})

	for _, name := range []string{"zeta", "mirror", "alpha"} {
		if err := svc.SaveConnection(ctx, archiveConfig(name, name+"_db")); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	list, err := svc.ListConnections(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Name != "alpha" || list[2].Name != "zeta" {
		t.Fatalf("unexpected list: %+v", list)
	}
	for _, cfg := range list {
		if cfg.Password != "" {
			t.Fatalf("listed connection leaks password")
		}
	}

	if err := svc.DeleteConnection(ctx, "mirror"); !errors.Is(err, ErrConnectionInUse) {
		t.Fatalf("expected in-use error, got %v", err)
	}
	if err := svc.DeleteConnection(ctx, "zeta"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Connection(ctx, "zeta"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected deleted connection to be gone, got %v", err)
	}
}
