package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-relay/config"
	"github.com/mossy-p/session-relay/internal/admin"
	"github.com/mossy-p/session-relay/internal/broadcast"
	"github.com/mossy-p/session-relay/internal/broker"
	"github.com/mossy-p/session-relay/internal/directory"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/presence"
	"github.com/mossy-p/session-relay/internal/registry"
	"github.com/mossy-p/session-relay/internal/relay"
	"github.com/mossy-p/session-relay/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://allowed.test"},
		CookieSecret:   "cookie-secret",
		Metrics:        config.MetricsConfig{Enabled: true, Path: "/metrics"},
		ICEServers: []config.ICEServer{
			{URLs: []string{"stun:stun.example.org:3478"}},
			{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
		},
		WebSocket: config.WebSocketConfig{
			ReadLimit:            64 * 1024,
			PongWait:             time.Minute,
			PingPeriod:           54 * time.Second,
			WriteWait:            10 * time.Second,
			SendBuffer:           64,
			MaxMessagesPerSecond: 1000,
			Burst:                1000,
		},
	}
}

type testEnv struct {
	router *gin.Engine
	auth   *admin.Authenticator
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := presence.NewMemoryStore()
	dir := directory.NewMemory()
	reg := registry.New()
	b := broadcast.New(store, reg, broker.NewLocal(), "test-relay")
	mgr := session.NewManager(store, dir, reg, b, session.Config{
		DefaultType:        models.SessionTypeConference,
		ConferenceCapacity: 16,
	})
	t.Cleanup(mgr.Shutdown)

	auth := admin.NewAuthenticator("admin", "pw", "jwt-secret", time.Hour)
	control := admin.NewControl(mgr)
	monitor := directory.NewMonitor(time.Minute, map[string]directory.Pinger{"directory": dir, "presence": store})
	monitor.CheckNow(context.Background())

	router := NewRouter(RouterDeps{
		Config:    cfg,
		Sessions:  NewSessionHandler(mgr, control),
		Signaling: NewSignalingHandler(reg, mgr, relay.New(reg, b), b, control, auth, cfg.WebSocket),
		Auth:      auth,
		Monitor:   monitor,
		Registry:  reg,
	})
	return &testEnv{router: router, auth: auth}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestSessionAPI(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := env.do(t, http.MethodPost, "/api/sessions", gin.H{"nickname": "Host", "userId": "host", "sessionType": "1to1"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.CreateSessionResponse](t, w)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, models.SessionTypeOneToOne, created.SessionType)
	id := created.SessionID

	w = env.do(t, http.MethodGet, "/api/sessions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[models.SessionView](t, w)
	assert.Equal(t, "host", view.CreatorID)
	assert.Equal(t, models.StatusActive, view.Status)
	assert.Equal(t, []models.RosterEntry{{ID: "host", Nickname: "Host"}}, view.Members)

	w = env.do(t, http.MethodPost, "/api/sessions/"+id+"/join", gin.H{"userId": "guest", "nickname": "Guest"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	joined := decode[map[string]any](t, w)
	assert.Equal(t, "host", joined["creatorId"])
	assert.Equal(t, false, joined["isCreator"])

	w = env.do(t, http.MethodPost, "/api/sessions/"+id+"/join", gin.H{"userId": "third", "nickname": "Third"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/sessions/"+id+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/sessions/"+id+"/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusActive, decode[models.SessionStatusData](t, w).Status)
}

func TestSessionAPI_Validation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := env.do(t, http.MethodPost, "/api/sessions", gin.H{"sessionType": "webinar"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/sessions", gin.H{"userId": "host"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/sessions/missing/join", gin.H{"nickname": "Guest"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/sessions/missing/join", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/sessions/missing/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/sessions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionAPI_JoinUsesIdentityCookie(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := env.do(t, http.MethodPost, "/api/sessions", gin.H{}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.CreateSessionResponse](t, w).SessionID

	w = env.do(t, http.MethodPost, "/api/sessions/"+id+"/join", gin.H{"nickname": "Anon"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	joined := decode[map[string]any](t, w)
	assert.NotEmpty(t, joined["clientId"])
	assert.Equal(t, true, joined["isCreator"])
	assert.Contains(t, w.Header().Get("Set-Cookie"), cookieName+"=")
}

func TestExpireRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := env.do(t, http.MethodPost, "/api/sessions", gin.H{}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.CreateSessionResponse](t, w).SessionID

	w = env.do(t, http.MethodPost, "/api/sessions/"+id+"/expire", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", gin.H{"username": "admin", "password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", gin.H{"username": "admin", "password": "pw"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	login := decode[LoginResponse](t, w)
	require.NotEmpty(t, login.Token)

	bearer := http.Header{"Authorization": []string{"Bearer " + login.Token}}
	w = env.do(t, http.MethodPost, "/api/sessions/"+id+"/expire", nil, bearer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, w)["changed"])

	w = env.do(t, http.MethodPost, "/api/sessions/"+id+"/expire", nil, bearer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["changed"])

	w = env.do(t, http.MethodGet, "/api/sessions/"+id+"/status", nil, nil)
	assert.Equal(t, models.StatusExpired, decode[models.SessionStatusData](t, w).Status)

	w = env.do(t, http.MethodPost, "/api/sessions/"+id+"/join", gin.H{"userId": "late", "nickname": "Late"}, nil)
	assert.Equal(t, http.StatusGone, w.Code)

	w = env.do(t, http.MethodPost, "/api/sessions/missing/expire", nil, bearer)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAmbientRoutes(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]any](t, w)
	assert.Equal(t, "ok", health["status"])

	w = env.do(t, http.MethodGet, "/api/ice-servers", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stun:stun.example.org:3478")
	assert.Contains(t, w.Body.String(), `"username":"u"`)

	w = env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_connections_active")
}

func TestOriginFilter(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := env.do(t, http.MethodGet, "/health", nil, http.Header{"Origin": []string{"http://evil.test"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/health", nil, http.Header{"Origin": []string{"http://allowed.test"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://allowed.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = env.do(t, http.MethodOptions, "/api/sessions", nil, http.Header{"Origin": []string{"http://allowed.test"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type unhealthy struct{}

func (unhealthy) Status() (map[string]string, bool) {
	return map[string]string{"directory": "connection refused"}, false
}

func TestHealthDegraded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", Health(unhealthy{}, registry.New()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}
