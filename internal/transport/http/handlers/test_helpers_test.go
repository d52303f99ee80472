package http_handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/application/auth"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/memory"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/security"
)

type fakePublisher struct {
	mu    sync.Mutex
	err   error
	tasks []domain.VerificationTask
}

func (p *fakePublisher) Publish(ctx context.Context, task domain.VerificationTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *fakePublisher) published() []domain.VerificationTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.VerificationTask(nil), p.tasks...)
}

type testEnv struct {
	h    *AuthHandler
	repo *memory.AccountRepo
	pub  *fakePublisher
	mux  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := memory.NewAccountRepo()
	pub := &fakePublisher{}
	svc := auth.NewService(
		repo, repo,
		security.NewBcryptHasher(4),
		security.NewJWTSigner("test-secret", "verify-service"),
		pub,
		auth.Config{},
		zerolog.Nop(),
	)
	h := NewAuthHandler(svc)

	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Get("/verify/{token}", h.VerifyEmail)
	r.Post("/login", h.Login)
	r.Get("/dashboard/users", h.ListUsers)

	return &testEnv{h: h, repo: repo, pub: pub, mux: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = mustJSONBody(t, body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func mustJSONBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v; body=%s", err, rr.Body.String())
	}
	return body.Error.Code
}
