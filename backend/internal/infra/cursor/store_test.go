package cursor

import (
	"context"
	"fmt"
	"testing"

	"audit-trail-app/backend/internal/repository"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type position struct {
	LastID    uint64  `json:"last_id"`
	CreatedOn float64 `json:"created_on"`
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	var got position
	ok, err := store.Load(ctx, "mirror", &got)
	if err != nil || ok {
		t.Fatalf("expected missing cursor, got ok=%v err=%v", ok, err)
	}

	want := position{LastID: 42, CreatedOn: 1700000000.25}
	if err := store.Save(ctx, "mirror", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err = store.Load(ctx, "mirror", &got)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if err := store.Delete(ctx, "mirror"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := store.Load(ctx, "mirror", &got); ok {
		t.Fatalf("cursor should be gone after delete")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "")
	exerciseStore(t, store)

	if err := store.Save(context.Background(), "archive", position{LastID: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !server.Exists("audit:cursor:archive") {
		t.Fatalf("expected namespaced key in redis")
	}
}

func TestOptionStore(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	options := repository.NewOptionRepository(db, "wp_", repository.NewTableCache(0))
	if err := options.Install(context.Background()); err != nil {
		t.Fatalf("install options: %v", err)
	}

	exerciseStore(t, NewOptionStore(options))
}
