package http_handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/application/auth"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/logger"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/dto"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/response"
)

const (
	msgCheckEmail    = "Check your email to verify your account"
	msgVerifyLater   = "Account created; the verification email will be sent shortly"
	msgEmailVerified = "Email verified"
)

type AuthHandler struct {
	svc *auth.Service
}

func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Register handles POST /register.
// verification_queued=false means the account exists but the task is still in
// the outbox waiting for the relay.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if err := response.DecodeJSON(w, r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		response.WriteError(w, r, err)
		return
	}

	res, err := h.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	metrics.RecordRegistration(res.Queued)

	logger.WithCtx(r.Context()).Info().
		Str("account_id", res.Account.ID).
		Bool("verification_queued", res.Queued).
		Msg("account_registered")

	msg := msgCheckEmail
	if !res.Queued {
		msg = msgVerifyLater
	}
	response.OK(w, r, dto.RegisterResponse{Message: msg, VerificationQueued: res.Queued})
}

// VerifyEmail handles GET /verify/{token}.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := h.svc.VerifyEmail(r.Context(), token); err != nil {
		response.WriteError(w, r, err)
		return
	}

	logger.WithCtx(r.Context()).Info().Msg("email_verified")
	response.Text(w, r, msgEmailVerified)
}

// Login handles POST /login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := response.DecodeJSON(w, r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		response.WriteError(w, r, err)
		return
	}

	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	logger.WithCtx(r.Context()).Info().Str("account_id", res.Account.ID).Msg("account_logged_in")
	response.OK(w, r, dto.LoginResponse{Token: res.Token, ExpiresIn: res.ExpiresIn})
}

// ListUsers handles GET /dashboard/users.
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.svc.ListAccounts(r.Context())
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	out := make([]dto.UserView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, dto.UserView{Email: a.Email, Verified: a.Verified})
	}
	response.OK(w, r, out)
}
