package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	domain "audit-trail-app/backend/internal/domain/user"
	"audit-trail-app/backend/internal/repository"
	auditsvc "audit-trail-app/backend/internal/service/audit"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewUserRepository(db, "wp_")
	if err := repo.Install(context.Background()); err != nil {
		t.Fatalf("install users: %v", err)
	}
	return NewService(repo)
}

func TestFindUserMapsRoles(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	u := &domain.User{Username: "alice", Roles: "editor, author,editor", IsAdmin: true}
	if err := svc.Create(ctx, u, "pw"); err != nil {
		t.Fatalf("create: %v", err)
	}

	p, err := svc.FindUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if p.Username != "alice" || strings.Join(p.Roles, ",") != "administrator,author,editor" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	if _, err := svc.FindUser(ctx, 999); !errors.Is(err, auditsvc.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if err := svc.Create(ctx, &domain.User{Username: "bob"}, "correct horse"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if u, err := svc.Authenticate(ctx, " bob ", "correct horse"); err != nil || u.Username != "bob" {
		t.Fatalf("expected success, got %+v err=%v", u, err)
	}
	if u, err := svc.Authenticate(ctx, "bob", "wrong"); !errors.Is(err, ErrWrongPassword) || u == nil {
		t.Fatalf("expected wrong password with user, got %+v err=%v", u, err)
	}
	if _, err := svc.Authenticate(ctx, "carol", "x"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}
