package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "audit-trail-app/backend/internal/domain/user"
	"audit-trail-app/backend/internal/infra/token"
	"audit-trail-app/backend/internal/repository"
	auditsvc "audit-trail-app/backend/internal/service/audit"
	"audit-trail-app/backend/internal/service/registry"
	usersvc "audit-trail-app/backend/internal/service/user"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	auth    *Service
	manager *auditsvc.Manager
	events  *repository.OccurrenceRepository
	users   *usersvc.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	userRepo := repository.NewUserRepository(db, "wp_")
	if err := userRepo.Install(ctx); err != nil {
		t.Fatalf("install users: %v", err)
	}
	events := repository.NewOccurrenceRepository(db, "wp_", repository.NewTableCache(0))
	if err := events.Install(ctx); err != nil {
		t.Fatalf("install events: %v", err)
	}

	reg := registry.New(nil)
	if err := reg.AddLoader(registry.CoreLoader); err != nil {
		t.Fatalf("core loader: %v", err)
	}
	users := usersvc.NewService(userRepo)
	manager, err := auditsvc.NewManager(reg, events, auditsvc.Config{}, auditsvc.WithUserDirectory(users))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := users.Create(ctx, &domain.User{Username: "alice", Roles: "editor"}, "secret"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	tokens := token.NewJWTManager("jwt-secret", time.Minute)
	return &fixture{
		auth:    NewService(users, userRepo, tokens, nil),
		manager: manager,
		events:  events,
		users:   users,
	}
}

func TestLoginRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		username, password string
		wantErr            bool
		code               int
		wantUser           string
	}{
		{"alice", "secret", false, registry.CodeUserLogin, "alice"},
		{"alice", "nope", true, registry.CodeFailedLogin, "alice"},
		{"mallory", "x", true, registry.CodeFailedLoginUnknown, auditsvc.LabelSystem},
	}
	for _, tc := range cases {
		req := f.manager.NewRequest(auditsvc.RequestContext{RemoteAddr: "198.51.100.7:4000"})
		_, pair, err := f.auth.Login(ctx, req, tc.username, tc.password)
		if tc.wantErr != (err != nil) {
			t.Fatalf("%s/%s: unexpected error %v", tc.username, tc.password, err)
		}
		if tc.wantErr && !errors.Is(err, ErrInvalidLogin) {
			t.Fatalf("expected ErrInvalidLogin, got %v", err)
		}
		if !tc.wantErr && pair.AccessToken == "" {
			t.Fatalf("expected access token")
		}
		if req.Pending() != 1 {
			t.Fatalf("login events are deferred until the request ends, pending=%d", req.Pending())
		}
		req.CommitPipeline(ctx)

		latest, err := f.events.Latest(ctx, 1)
		if err != nil || len(latest) != 1 {
			t.Fatalf("latest: %v", err)
		}
		occ := latest[0]
		if occ.AlertID != tc.code || occ.Username != tc.wantUser || occ.ClientIP != "198.51.100.7" {
			t.Fatalf("unexpected occurrence for %s: %+v", tc.username, occ)
		}
		if tc.code == registry.CodeUserLogin && occ.SessionID != pair.SessionID {
			t.Fatalf("login should carry the session id, got %q", occ.SessionID)
		}
	}
}

func TestLogoutUsesRequestPrincipal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	principal, err := f.users.FindUser(ctx, 1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	req := f.manager.NewRequest(auditsvc.RequestContext{User: principal})
	f.auth.Logout(ctx, req)
	req.CommitPipeline(ctx)

	latest, _ := f.events.Latest(ctx, 1)
	if len(latest) != 1 || latest[0].AlertID != registry.CodeUserLogout || latest[0].UserID != 1 || latest[0].UserRoles != "editor" {
		t.Fatalf("unexpected logout event: %+v", latest)
	}
}
