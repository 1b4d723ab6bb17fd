package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/tutor-chat-gateway/internal/auth"
	"github.com/HanTheDev/tutor-chat-gateway/internal/keyring"
	"github.com/HanTheDev/tutor-chat-gateway/internal/modelconfig"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

type fakeIncidents struct{ list []models.SafetyIncident }

func (f *fakeIncidents) ListSafetyIncidents(_ context.Context, _ string, limit int) ([]models.SafetyIncident, error) {
	if len(f.list) > limit {
		return f.list[:limit], nil
	}
	return f.list, nil
}

type testServer struct {
	router *mux.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	p, err := keyring.NewEnvKeyProvider("admin-test-secret-value", "")
	require.NoError(t, err)
	resolver := modelconfig.NewResolver(modelconfig.NewMemoryStore(), keyring.NewCipher(p), modelconfig.Options{})
	router := mux.NewRouter()
	NewAdminHandler(resolver, &fakeIncidents{list: []models.SafetyIncident{{ID: 1}, {ID: 2}}}, nil).
		RegisterRoutes(router.PathPrefix("/admin").Subrouter())
	return &testServer{router: router}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{TenantID: "t1", UserID: "admin", Role: auth.RoleAdmin}))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestEndpointLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/admin/gateway/endpoints",
		`{"name":"Primary","base_url":"https://api.example.com/v1","credential":"sk-secret","models":["deepseek-chat"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "sk-secret")
	var ep models.ModelEndpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ep))

	rec = s.do(t, http.MethodPut, "/admin/gateway/selected-models",
		`{"selected_models":[{"endpoint_id":"`+ep.ID+`","model_name":"deepseek-chat"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/admin/gateway/chain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"complete":true`)

	rec = s.do(t, http.MethodGet, "/admin/gateway", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "********")
	assert.NotContains(t, rec.Body.String(), "v1.")

	rec = s.do(t, http.MethodDelete, "/admin/gateway/endpoints/"+ep.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/admin/gateway", "")
	var cfg models.GatewayConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Empty(t, cfg.Endpoints)
	assert.Empty(t, cfg.SelectedModels)

	rec = s.do(t, http.MethodGet, "/admin/gateway/chain", "")
	assert.Contains(t, rec.Body.String(), `"complete":false`)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/admin/gateway/endpoints", `{"base_url":"not a url","credential":"k"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "base_url")

	rec = s.do(t, http.MethodPatch, "/admin/gateway/endpoints/missing", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/admin/gateway/selected-models", `{"selected_models":[{"endpoint_id":"missing","model_name":"m"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/admin/gateway/settings", `{"custom_safety_patterns_text":"(a+)+"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/admin/gateway/settings", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSettings(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPatch, "/admin/gateway/settings", `{"requests_per_minute":25,"timeout_seconds":20}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cfg models.GatewayConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 25, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.TimeoutSeconds)
}

func TestSafetyRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/admin/safety/incidents?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.SafetyIncident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = s.do(t, http.MethodGet, "/admin/safety/incidents?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/admin/safety/patterns/check", `{"text":"answer\\s+key\n(a+)+"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var check struct {
		Valid    bool              `json:"valid"`
		Problems map[string]string `json:"problems"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.False(t, check.Valid)
	assert.Contains(t, check.Problems, "(a+)+")
}
