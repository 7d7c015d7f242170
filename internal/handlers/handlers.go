package handlers

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/escrow"
	"github.com/kareempjackson/undr-api-sub001/internal/httputil"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/kareempjackson/undr-api-sub001/internal/middleware"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
	"github.com/kareempjackson/undr-api-sub001/internal/webhook"
)

const tokenTTL = 24 * time.Hour

type Handlers struct {
	DB            *gorm.DB
	Engine        *escrow.Engine
	Webhooks      *webhook.Reconciler
	JWTSecret     string
	WebhookSecret string
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type WalletResponse struct {
	Balance string               `json:"balance"`
	Entries []models.LedgerEntry `json:"entries"`
}

func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		httputil.WriteError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	var user models.User
	if err := h.DB.WithContext(r.Context()).Where("email = ?", req.Email).First(&user).Error; err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	signed, err := middleware.IssueToken(h.JWTSecret, user.ID, tokenTTL)
	if err != nil {
		logger.Log.Error("failed to sign jwt", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, LoginResponse{Token: signed})
}

func (h *Handlers) WalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	view, err := h.Engine.WalletBalance(r.Context(), userID, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, WalletResponse{
		Balance: view.Balance.StringFixed(2),
		Entries: view.Entries,
	})
}

// writeEngineError maps business errors to 4xx with their message. Anything
// else is logged and hidden behind a 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var e *escrow.Error
	if !errors.As(err, &e) {
		logger.Log.Error("request failed", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	code := http.StatusInternalServerError
	switch e.Kind {
	case escrow.KindNotFound:
		code = http.StatusNotFound
	case escrow.KindForbidden:
		code = http.StatusForbidden
	case escrow.KindInvalidStateTransition:
		code = http.StatusConflict
	case escrow.KindInsufficientFunds:
		code = http.StatusUnprocessableEntity
	case escrow.KindValidation:
		code = http.StatusBadRequest
	}
	httputil.WriteError(w, code, e.Msg)
}

func pathID(r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func requestMeta(r *http.Request) txlog.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return txlog.RequestMeta{
		IPHash:            txlog.HashIP(ip),
		UserAgent:         truncate(r.UserAgent(), 255),
		DeviceFingerprint: truncate(strings.TrimSpace(r.Header.Get("X-Device-Fingerprint")), 128),
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
// Invalid bytes are dropped first since text columns reject them.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
