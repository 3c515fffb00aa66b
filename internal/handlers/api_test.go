package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/middleware"
)

// apiTestEnv wires the full API router against an in-memory database.
type apiTestEnv struct {
	srv   *httptest.Server
	store *auth.SessionStore
}

func setupAPIEnv(t *testing.T) *apiTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prevDB := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prevDB })

	prevCfg := config.Cfg
	config.Cfg.AuthDisabled = false
	config.Cfg.RegistrationToken = "reg-secret"
	t.Cleanup(func() { config.Cfg = prevCfg })

	store := auth.NewSessionStore()
	prevStore := SessionStore
	SessionStore = store
	t.Cleanup(func() { SessionStore = prevStore })

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Post("/agents/register", RegisterHost)
	r.Post("/agents/heartbeat", HostHeartbeat)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", Login)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(store))
			r.Post("/auth/logout", Logout)
			r.Get("/me", GetCurrentUser)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapHostsRead))
				r.Get("/hosts", ListHosts)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapSessionsConnect))
				r.Get("/hosts/{hostID}/connect-users", ResolveConnectUsers)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapAuditRead))
				r.Get("/audit", GetAuditLogs)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Get("/users", ListUsers)
				r.Post("/users", CreateUser)
				r.Delete("/users/{userID}", DeleteUser)
				r.Get("/users/{userID}/grants/{hostID}", GetUserGrants)
				r.Put("/users/{userID}/grants/{hostID}", SetUserGrants)
			})
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiTestEnv{srv: srv, store: store}
}

func (e *apiTestEnv) createUser(t *testing.T, username, password, role string) database.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := database.User{Username: username, PasswordHash: hash, Role: role}
	if err := database.CreateUser(&user); err != nil {
		t.Fatalf("create %s: %v", username, err)
	}
	return user
}

func (e *apiTestEnv) sessionFor(t *testing.T, user database.User) string {
	t.Helper()
	token, err := e.store.Create(auth.Principal{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return token
}

func (e *apiTestEnv) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &reqBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: token})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLoginFlow(t *testing.T) {
	env := setupAPIEnv(t)
	env.createUser(t, "alice", "s3cret", "operator")

	resp := env.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "s3cret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	var login struct {
		Username string `json:"username"`
		Role     string `json:"role"`
		Token    string `json:"token"`
	}
	decodeBody(t, resp, &login)
	if login.Token == "" {
		t.Fatal("login response has no token")
	}

	// The token works for authenticated endpoints.
	resp = env.request(t, http.MethodGet, "/api/v1/me", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d, want 200", resp.StatusCode)
	}
	var me struct {
		Username     string   `json:"username"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	decodeBody(t, resp, &me)
	if me.Username != "alice" || me.Role != "operator" {
		t.Errorf("me = %+v, want alice/operator", me)
	}
	found := false
	for _, c := range me.Capabilities {
		if c == auth.CapSessionsConnect {
			found = true
		}
	}
	if !found {
		t.Errorf("capabilities = %v, missing %s", me.Capabilities, auth.CapSessionsConnect)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := setupAPIEnv(t)
	env.createUser(t, "alice", "s3cret", "operator")

	resp := env.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := setupAPIEnv(t)
	user := env.createUser(t, "alice", "s3cret", "operator")
	token := env.sessionFor(t, user)

	resp := env.request(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/me", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d, want 401", resp.StatusCode)
	}
}

func TestConnectUsersEndpoint(t *testing.T) {
	env := setupAPIEnv(t)
	operator := env.createUser(t, "alice", "s3cret", "operator")
	token := env.sessionFor(t, operator)

	host := database.Host{Name: "web-1", Address: "10.0.0.5", Port: 22}
	if err := database.DB.Create(&host).Error; err != nil {
		t.Fatalf("create host: %v", err)
	}
	if err := database.SetUserHostGrants(operator.ID, host.ID, []string{"ubuntu", "deploy"}); err != nil {
		t.Fatalf("set grants: %v", err)
	}

	resp := env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/hosts/%d/connect-users", host.ID), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var decision struct {
		Allowed      bool     `json:"allowed"`
		ConnectUsers []string `json:"connect_users"`
	}
	decodeBody(t, resp, &decision)
	if !decision.Allowed || len(decision.ConnectUsers) != 2 {
		t.Errorf("decision = %+v, want allowed with two users", decision)
	}

	// No grants on an unknown host.
	resp = env.request(t, http.MethodGet, "/api/v1/hosts/9999/connect-users", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown host status = %d, want 404", resp.StatusCode)
	}
}

func TestConnectUsersRequiresCapability(t *testing.T) {
	env := setupAPIEnv(t)
	auditor := env.createUser(t, "audra", "s3cret", "auditor")
	token := env.sessionFor(t, auditor)

	resp := env.request(t, http.MethodGet, "/api/v1/hosts/1/connect-users", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUserAdminFlow(t *testing.T) {
	env := setupAPIEnv(t)
	admin := env.createUser(t, "root", "s3cret", "admin")
	token := env.sessionFor(t, admin)

	resp := env.request(t, http.MethodPost, "/api/v1/users", token, map[string]string{
		"username": "bob", "password": "hunter2", "role": "operator",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created database.User
	decodeBody(t, resp, &created)

	// Duplicate usernames conflict.
	resp = env.request(t, http.MethodPost, "/api/v1/users", token, map[string]string{
		"username": "bob", "password": "hunter2", "role": "operator",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	// Unknown roles are refused.
	resp = env.request(t, http.MethodPost, "/api/v1/users", token, map[string]string{
		"username": "eve", "password": "x", "role": "superuser",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", resp.StatusCode)
	}

	// Grants round-trip.
	host := database.Host{Name: "web-1", Address: "10.0.0.5", Port: 22}
	if err := database.DB.Create(&host).Error; err != nil {
		t.Fatalf("create host: %v", err)
	}
	path := fmt.Sprintf("/api/v1/users/%d/grants/%d", created.ID, host.ID)
	resp = env.request(t, http.MethodPut, path, token, map[string][]string{
		"connect_users": {"ubuntu"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set grants status = %d, want 200", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, path, token, nil)
	var grants struct {
		ConnectUsers []string `json:"connect_users"`
	}
	decodeBody(t, resp, &grants)
	if len(grants.ConnectUsers) != 1 || grants.ConnectUsers[0] != "ubuntu" {
		t.Errorf("grants = %v, want [ubuntu]", grants.ConnectUsers)
	}

	// Deleting a user revokes their sessions.
	bobToken := env.sessionFor(t, created)
	resp = env.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/users/%d", created.ID), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	if _, ok := env.store.Lookup(bobToken); ok {
		t.Error("deleted user's session still valid")
	}
}

func TestAdminCannotDeleteSelf(t *testing.T) {
	env := setupAPIEnv(t)
	admin := env.createUser(t, "root", "s3cret", "admin")
	token := env.sessionFor(t, admin)

	resp := env.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/users/%d", admin.ID), token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self-delete status = %d, want 400", resp.StatusCode)
	}
}

func TestUserEndpointsRequireAdmin(t *testing.T) {
	env := setupAPIEnv(t)
	operator := env.createUser(t, "alice", "s3cret", "operator")
	token := env.sessionFor(t, operator)

	resp := env.request(t, http.MethodGet, "/api/v1/users", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAgentRegistrationAndHeartbeat(t *testing.T) {
	env := setupAPIEnv(t)

	register := func(token string) *http.Response {
		body, _ := json.Marshal(map[string]interface{}{
			"name": "web-1", "address": "10.0.0.5", "port": 22,
		})
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/agents/register", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("X-Registration-Token", token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := register("wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp.StatusCode)
	}
	if resp := register("reg-secret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}

	heartbeat := func(name string) *http.Response {
		body, _ := json.Marshal(map[string]string{"name": name})
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/agents/heartbeat", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Registration-Token", "reg-secret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := heartbeat("web-1"); resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", resp.StatusCode)
	}
	host, err := database.GetHostByName("web-1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if host.Status != database.HostOnline {
		t.Errorf("host status = %s, want %s", host.Status, database.HostOnline)
	}

	if resp := heartbeat("ghost"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown host heartbeat status = %d, want 404", resp.StatusCode)
	}
}

func TestAuditEndpoint(t *testing.T) {
	env := setupAPIEnv(t)
	auditor := env.createUser(t, "audra", "s3cret", "auditor")
	token := env.sessionFor(t, auditor)

	for i := 0; i < 3; i++ {
		if err := database.RecordAudit(&database.AuditLog{Username: "alice", Action: "session_connect"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	resp := env.request(t, http.MethodGet, "/api/v1/audit?limit=2", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var page struct {
		Logs []database.AuditLog `json:"logs"`
	}
	decodeBody(t, resp, &page)
	if len(page.Logs) != 2 {
		t.Errorf("got %d logs, want 2", len(page.Logs))
	}

	resp = env.request(t, http.MethodGet, "/api/v1/audit?limit=bogus", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupAPIEnv(t)
	resp := env.request(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
