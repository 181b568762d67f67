package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"audit-trail-app/backend/internal/domain/audit"
	domain "audit-trail-app/backend/internal/domain/user"
	"audit-trail-app/backend/internal/handler"
	"audit-trail-app/backend/internal/infra/cursor"
	"audit-trail-app/backend/internal/infra/ratelimit"
	"audit-trail-app/backend/internal/infra/security"
	"audit-trail-app/backend/internal/infra/token"
	"audit-trail-app/backend/internal/middleware"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/server"
	auditsvc "audit-trail-app/backend/internal/service/audit"
	authsvc "audit-trail-app/backend/internal/service/auth"
	"audit-trail-app/backend/internal/service/connection"
	"audit-trail-app/backend/internal/service/registry"
	"audit-trail-app/backend/internal/service/transfer"
	usersvc "audit-trail-app/backend/internal/service/user"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
	Meta struct {
		TotalItems int `json:"total_items"`
	} `json:"meta"`
}

type listedOccurrence struct {
	AlertID  int    `json:"alert_id"`
	Username string `json:"username"`
	ClientIP string `json:"client_ip"`
	Message  string `json:"message"`
}

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

// setupRouter 组装完整的路由：本地库、审计管道、鉴权与管理接口，外部连接由 sqlite 代替。
func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	local := openTestDB(t, "local")
	cache := repository.NewTableCache(0)
	options := repository.NewOptionRepository(local, "wp_", cache)
	users := repository.NewUserRepository(local, "wp_")
	if err := options.Install(ctx); err != nil {
		t.Fatalf("install options: %v", err)
	}
	if err := users.Install(ctx); err != nil {
		t.Fatalf("install users: %v", err)
	}

	cipher, err := security.NewCipher("router-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	remotes := map[string]*gorm.DB{}
	opener := func(_ context.Context, cfg audit.ConnectionConfig, _ string) (*gorm.DB, func() error, error) {
		db, ok := remotes[cfg.DBName]
		if !ok {
			db = openTestDB(t, cfg.DBName)
			remotes[cfg.DBName] = db
		}
		return db, func() error { return nil }, nil
	}
	conns, err := connection.NewService(local, options, cipher, connection.Settings{LocalPrefix: "wp_"}, connection.WithOpener(opener))
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if err := conns.Local().Occurrences(cache).Install(ctx); err != nil {
		t.Fatalf("install occurrences: %v", err)
	}
	storage := connection.NewStorage(conns, cache)

	reg := registry.New(nil)
	if err := reg.AddLoader(registry.CoreLoader); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	userService := usersvc.NewService(users)
	manager, err := auditsvc.NewManager(reg, storage, auditsvc.Config{},
		auditsvc.WithUserDirectory(userService),
		auditsvc.WithSessionTracker(middleware.SessionTracker()),
	)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	for _, u := range []*domain.User{
		{Username: "admin", IsAdmin: true},
		{Username: "editor", Roles: "editor"},
	} {
		if err := userService.Create(ctx, u, "correct-horse"); err != nil {
			t.Fatalf("create %s: %v", u.Username, err)
		}
	}

	tokens := token.NewJWTManager("jwt-secret", time.Minute)
	transferSvc := transfer.NewService(conns, cache, transfer.WithNotifier(manager))
	runner := transfer.NewRunner(transferSvc, conns, cursor.NewMemoryStore(), transfer.RunnerSettings{BatchSize: 10}, nil)

	return server.NewRouter(server.RouterOptions{
		Manager:      manager,
		AuthHandler:  handler.NewAuthHandler(authsvc.NewService(userService, users, tokens, nil)),
		AuditHandler: handler.NewAuditHandler(storage, reg),
		ConnectionHandler: handler.NewConnectionHandler(conns, ratelimit.NewMemoryLimiter(), handler.ConnectionTestLimit{
			Limit:  2,
			Window: time.Minute,
		}),
		TransferHandler: handler.NewTransferHandler(transferSvc, runner),
		AuthMW:          middleware.NewIdentityMiddleware(tokens, userService, true, nil),
	})
}

func do(t *testing.T, router *gin.Engine, method, path, bearer string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.RemoteAddr = "198.51.100.20:40000"
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var env envelope
	if resp.Body.Len() > 0 {
		if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, resp.Body.String())
		}
	}
	return resp, env
}

func login(t *testing.T, router *gin.Engine, username string) string {
	t.Helper()
	resp, env := do(t, router, http.MethodPost, "/api/auth/login", "", gin.H{"username": username, "password": "correct-horse"})
	if resp.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, resp.Code, resp.Body.String())
	}
	var data struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Tokens.AccessToken == "" {
		t.Fatalf("missing access token: %s err=%v", env.Data, err)
	}
	return data.Tokens.AccessToken
}

func listOccurrences(t *testing.T, router *gin.Engine, bearer, query string) []listedOccurrence {
	t.Helper()
	resp, env := do(t, router, http.MethodGet, "/api/audit/occurrences"+query, bearer, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list: status %d body %s", resp.Code, resp.Body.String())
	}
	var data struct {
		Items []listedOccurrence `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	return data.Items
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router := setupRouter(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestRouterAdminEndpointsRequireAdministrator(t *testing.T) {
	router := setupRouter(t)

	t.Run("anonymous request returns 401", func(t *testing.T) {
		resp, env := do(t, router, http.MethodGet, "/api/audit/occurrences", "", nil)
		if resp.Code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
			t.Fatalf("expected 401 UNAUTHORIZED, got %d %s", resp.Code, resp.Body.String())
		}
	})

	t.Run("editor returns 403", func(t *testing.T) {
		resp, _ := do(t, router, http.MethodGet, "/api/audit/alerts", login(t, router, "editor"), nil)
		if resp.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.Code)
		}
	})

	t.Run("forged token returns 401", func(t *testing.T) {
		resp, _ := do(t, router, http.MethodGet, "/api/audit/alerts", "not-a-token", nil)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.Code)
		}
	})
}

func TestRouterLoginEventsAreRecorded(t *testing.T) {
	router := setupRouter(t)

	resp, env := do(t, router, http.MethodPost, "/api/auth/login", "", gin.H{"username": "admin", "password": "wrong"})
	if resp.Code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %d %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get(middleware.RequestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	bearer := login(t, router, "admin")
	items := listOccurrences(t, router, bearer, "?order=asc")
	if len(items) != 2 {
		t.Fatalf("expected failed login and login events, got %+v", items)
	}
	if items[0].AlertID != registry.CodeFailedLogin || items[1].AlertID != registry.CodeUserLogin {
		t.Fatalf("unexpected event order: %+v", items)
	}
	for _, item := range items {
		if item.Username != "admin" || item.ClientIP != "198.51.100.20" {
			t.Fatalf("unexpected identity on %+v", item)
		}
	}

	filtered := listOccurrences(t, router, bearer, fmt.Sprintf("?alert_id=%d", registry.CodeFailedLogin))
	if len(filtered) != 1 {
		t.Fatalf("expected one failed login, got %+v", filtered)
	}
}

func TestRouterConnectionRoleChangeIsAudited(t *testing.T) {
	router := setupRouter(t)
	bearer := login(t, router, "admin")

	cfg := gin.H{"user": "mirror", "password": "p", "db_name": "mirror_db", "hostname": "mirror.internal:3306", "base_prefix": "m_"}
	if resp, _ := do(t, router, http.MethodPut, "/api/audit/connections/mirror", bearer, cfg); resp.Code != http.StatusOK {
		t.Fatalf("save connection: %d %s", resp.Code, resp.Body.String())
	}
	if resp, _ := do(t, router, http.MethodPut, "/api/audit/roles/mirror", bearer, gin.H{"connection": "mirror"}); resp.Code != http.StatusOK {
		t.Fatalf("assign role: %d %s", resp.Code, resp.Body.String())
	}
	if resp, _ := do(t, router, http.MethodDelete, "/api/audit/connections/mirror", bearer, nil); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for connection in use, got %d", resp.Code)
	}

	items := listOccurrences(t, router, bearer, fmt.Sprintf("?alert_id=%d", registry.CodeStorageConnChanged))
	if len(items) != 1 || items[0].Username != "admin" {
		t.Fatalf("expected one role change by admin, got %+v", items)
	}

	resp, _ := do(t, router, http.MethodPost, "/api/audit/transfer/tick", bearer, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("tick: %d %s", resp.Code, resp.Body.String())
	}
}

func TestRouterThrottlesConnectionTests(t *testing.T) {
	router := setupRouter(t)
	bearer := login(t, router, "admin")

	probe := gin.H{"name": "probe", "user": "u", "db_name": "probe_db", "hostname": "probe.internal"}
	for i := 0; i < 2; i++ {
		if resp, _ := do(t, router, http.MethodPost, "/api/audit/connections/test", bearer, probe); resp.Code != http.StatusOK {
			t.Fatalf("test %d: %d %s", i, resp.Code, resp.Body.String())
		}
	}
	resp, _ := do(t, router, http.MethodPost, "/api/audit/connections/test", bearer, probe)
	if resp.Code != http.StatusTooManyRequests || resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", resp.Code)
	}
}
