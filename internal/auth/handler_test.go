package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-his/meridian-erp/internal/shared"
)

type fakeRepo struct {
	users    map[string]*User
	sessions map[string]int64
	removed  []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*User), sessions: make(map[string]int64)}
}

func (r *fakeRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	user, ok := r.users[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return user, nil
}

func (r *fakeRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	r.sessions[id] = userID
	return nil
}

func (r *fakeRepo) DeleteSession(ctx context.Context, id string) error {
	r.removed = append(r.removed, id)
	delete(r.sessions, id)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, repo Repository) (*Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "meridian_session", "secret", time.Hour, false)
	logger := testLogger()
	return NewHandler(logger, NewService(repo), sessions, nil), sessions
}

func seedUser(t *testing.T, repo *fakeRepo, email, password string, active bool) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &User{
		ID:           int64(len(repo.users) + 1),
		Email:        email,
		FullName:     "Petugas Keuangan",
		PasswordHash: string(hash),
		IsActive:     active,
	}
	repo.users[email] = user
	return user
}

func withSession(r *http.Request, sess *shared.Session) *http.Request {
	return r.WithContext(shared.ContextWithSession(r.Context(), sess))
}

func loadSession(t *testing.T, sessions *shared.SessionManager) *shared.Session {
	t.Helper()
	sess, err := sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	return sess
}

func TestLoginSucceedsWithValidCredentials(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(t, repo, "kasir@rs.example", "rahasia-sekali", true)
	handler, sessions := newTestHandler(t, repo)
	sess := loadSession(t, sessions)

	body := strings.NewReader(`{"email":"kasir@rs.example","password":"rahasia-sekali"}`)
	req := withSession(httptest.NewRequest(http.MethodPost, "/auth/login", body), sess)
	rr := httptest.NewRecorder()
	handler.handleLogin(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "kasir@rs.example")
	require.Equal(t, "1", sess.User())
	require.Equal(t, user.ID, repo.sessions[sess.ID])
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	repo := newFakeRepo()
	seedUser(t, repo, "kasir@rs.example", "rahasia-sekali", true)
	handler, sessions := newTestHandler(t, repo)
	sess := loadSession(t, sessions)

	body := strings.NewReader(`{"email":"kasir@rs.example","password":"password-salah"}`)
	req := withSession(httptest.NewRequest(http.MethodPost, "/auth/login", body), sess)
	rr := httptest.NewRecorder()
	handler.handleLogin(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, sess.User())
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	repo := newFakeRepo()
	seedUser(t, repo, "mantan@rs.example", "rahasia-sekali", false)
	handler, sessions := newTestHandler(t, repo)
	sess := loadSession(t, sessions)

	body := strings.NewReader(`{"email":"mantan@rs.example","password":"rahasia-sekali"}`)
	req := withSession(httptest.NewRequest(http.MethodPost, "/auth/login", body), sess)
	rr := httptest.NewRecorder()
	handler.handleLogin(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLoginValidatesPayload(t *testing.T) {
	repo := newFakeRepo()
	handler, sessions := newTestHandler(t, repo)
	sess := loadSession(t, sessions)

	body := strings.NewReader(`{"email":"bukan-email","password":"x"}`)
	req := withSession(httptest.NewRequest(http.MethodPost, "/auth/login", body), sess)
	rr := httptest.NewRecorder()
	handler.handleLogin(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogoutRemovesSession(t *testing.T) {
	repo := newFakeRepo()
	handler, sessions := newTestHandler(t, repo)
	sess := loadSession(t, sessions)
	sess.SetUser("7")

	req := withSession(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), sess)
	rr := httptest.NewRecorder()
	handler.handleLogout(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, []string{sess.ID}, repo.removed)
}
