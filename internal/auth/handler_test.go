package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/verdant-pos/verdant/internal/shared"
)

type fakeRepo struct {
	mu       sync.Mutex
	ops      map[string]*Operator
	sessions map[string]int64
}

func newFakeRepo(t *testing.T, ops ...Operator) *fakeRepo {
	t.Helper()
	repo := &fakeRepo{ops: make(map[string]*Operator), sessions: make(map[string]int64)}
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	for i := range ops {
		op := ops[i]
		op.PasswordHash = string(hash)
		repo.ops[op.Username] = &op
	}
	return repo
}

func (r *fakeRepo) FindByUsername(ctx context.Context, username string) (*Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[username]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return op, nil
}

func (r *fakeRepo) CreateSession(ctx context.Context, id string, operatorID int64, expiresAt time.Time, ip, ua string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = operatorID
	return nil
}

func (r *fakeRepo) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func newAuthRouter(t *testing.T, repo *fakeRepo) (http.Handler, *TokenManager) {
	t.Helper()
	tokens, _ := newTestTokens(t)
	handler := NewHandler(nil, NewService(repo, tokens), tokens)
	r := chi.NewRouter()
	r.Use(handler.Middleware)
	r.Route("/auth", handler.MountRoutes)
	r.With(RequireSession).Get("/me", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(SessionFromContext(r.Context()).OperatorName))
	})
	return r, tokens
}

func post(router http.Handler, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func get(router http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesUsableToken(t *testing.T) {
	repo := newFakeRepo(t, testOperator())
	router, _ := newAuthRouter(t, repo)

	rec := post(router, "/auth/token", `{"username":"jo","password":"correct-horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "org-1", resp.Operator.OrganizationID)
	assert.Len(t, repo.sessions, 1)

	rec = get(router, "/me", resp.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Jo Park", rec.Body.String())
}

func TestLoginFailures(t *testing.T) {
	inactive := testOperator()
	inactive.ID = 43
	inactive.Username = "former"
	inactive.IsActive = false
	router, _ := newAuthRouter(t, newFakeRepo(t, testOperator(), inactive))

	rec := post(router, "/auth/token", `{"username":"jo","password":"wrong-password"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(router, "/auth/token", `{"username":"ghost","password":"correct-horse"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(router, "/auth/token", `{"username":"former","password":"correct-horse"}`, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(router, "/auth/token", `{"username":"jo","password":"short"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = post(router, "/auth/token", `{"username":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	repo := newFakeRepo(t, testOperator())
	router, _ := newAuthRouter(t, repo)

	rec := post(router, "/auth/token", `{"username":"jo","password":"correct-horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = post(router, "/auth/logout", "", resp.AccessToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, repo.sessions)

	rec = get(router, "/me", resp.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	router, _ := newAuthRouter(t, newFakeRepo(t))
	assert.Equal(t, http.StatusUnauthorized, get(router, "/me", "not-a-jwt").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/me", "").Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer  abc ")
	assert.Equal(t, "abc", bearerToken(req))
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(req))
}
