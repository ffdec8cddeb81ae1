package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ozhandev/warp-gateway/internal/account"
	"github.com/ozhandev/warp-gateway/internal/events"
	"github.com/ozhandev/warp-gateway/internal/store"
)

// accountView is the admin-facing projection of store.Account: it never
// carries the encrypted refresh token or its hash, only a masked preview
// (spec §4.1's "never log or return the raw refresh token").
type accountView struct {
	ID               string    `json:"id"`
	Email            string    `json:"email,omitempty"`
	RefreshToken     string    `json:"refresh_token_preview"`
	Status           string    `json:"status"`
	RequestLimit     int64     `json:"request_limit"`
	RequestsUsed     int64     `json:"requests_used"`
	QuotaRemaining   int64     `json:"quota_remaining"`
	IsUnlimited      bool      `json:"is_unlimited"`
	ErrorCount       int       `json:"error_count"`
	LastErrorCode    string    `json:"last_error_code,omitempty"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`
	LastCheckAt      time.Time `json:"last_check_at,omitempty"`
	LastSuccessAt    time.Time `json:"last_success_at,omitempty"`
	CooldownUntil    time.Time `json:"cooldown_until,omitempty"`
	UseCount         int64     `json:"use_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// toAccountView decrypts a's refresh token just long enough to build the
// masked preview MaskedPreview expects; the plaintext never leaves this
// function. Decryption failure (e.g. a corrupt row) falls back to the
// all-asterisk preview rather than failing the whole admin response.
func (s *Server) toAccountView(ctx context.Context, a *store.Account) accountView {
	preview := "******"
	if plaintext, err := s.accounts.DecryptedRefreshToken(ctx, a.ID); err == nil {
		preview = account.MaskedPreview(plaintext)
	} else {
		slog.Warn("decrypt refresh token for preview", "account_id", a.ID, "error", err)
	}
	return accountView{
		ID:               a.ID,
		Email:            a.Email,
		RefreshToken:     preview,
		Status:           a.Status,
		RequestLimit:     a.RequestLimit,
		RequestsUsed:     a.RequestsUsed,
		QuotaRemaining:   a.QuotaRemaining(),
		IsUnlimited:      a.IsUnlimited,
		ErrorCount:       a.ErrorCount,
		LastErrorCode:    a.LastErrorCode,
		LastErrorMessage: a.LastErrorMessage,
		LastCheckAt:      a.LastCheckAt,
		LastSuccessAt:    a.LastSuccessAt,
		CooldownUntil:    a.CooldownUntil,
		UseCount:         a.UseCount,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, s.toAccountView(r.Context(), a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
		Email        string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeAdminBadRequest(w, "refresh_token is required")
		return
	}
	acc, err := s.accounts.Create(r.Context(), req.RefreshToken, req.Email)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toAccountView(r.Context(), acc))
}

func (s *Server) handleBatchImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshTokens []string `json:"refresh_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminBadRequest(w, "malformed request body")
		return
	}
	result, err := s.accounts.BatchImport(r.Context(), req.RefreshTokens)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inserted": result.Inserted, "duplicated": result.Duplicated})
}

func (s *Server) handlePatchAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status *string `json:"status"`
		Email  *string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminBadRequest(w, "malformed request body")
		return
	}
	patch := store.AccountPatch{Status: req.Status, Email: req.Email}
	changed, err := s.store.Update(r.Context(), id, patch)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	if !changed {
		writeAdminErrorMsg(w, http.StatusNotFound, "account not found")
		return
	}
	acc, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toAccountView(r.Context(), acc))
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.refresh.RefreshAccount(r.Context(), id, "admin"); err != nil {
		writeAdminError(w, http.StatusBadGateway, err)
		return
	}
	s.publishAccountEvent(id, "refreshed via admin")
	acc, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toAccountView(r.Context(), acc))
}

func (s *Server) handleHealthCheckAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.refresh.RefreshQuota(r.Context(), id, "admin"); err != nil {
		writeAdminError(w, http.StatusBadGateway, err)
		return
	}
	health, err := s.store.GetHealth(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// oauthPKCETTL bounds how long a pending onboarding flow's verifier/state
// pair is held before the operator must restart it (spec.md has no analog;
// grounded on the teacher's bounded admin-session lifetimes generally).
const oauthPKCETTL = 10 * time.Minute

func (s *Server) oauthEndpoints() account.OAuthEndpoints {
	return account.OAuthEndpoints{
		AuthorizeURL: s.cfg.OAuthAuthorizeURL,
		TokenURL:     s.cfg.OAuthTokenURL,
		RedirectURI:  s.cfg.OAuthRedirectURI,
		ClientID:     s.cfg.OAuthClientID,
		Scope:        s.cfg.OAuthScope,
	}
}

// handleOAuthStart implements SPEC_FULL §C.3's manual PKCE onboarding
// bootstrap: mint an authorization URL plus a server-held verifier/state
// pair the operator's browser round trip can't see or tamper with.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, pkce, err := account.StartAuth(s.oauthEndpoints())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	s.pkceSessions.Set(pkce.State, pkce, oauthPKCETTL)
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": authURL,
		"state":    pkce.State,
	})
}

// handleOAuthFinish completes the flow: the operator pastes back the
// callback URL (or raw code) plus the state this flow started with, and the
// resulting refresh token is imported as a new account.
func (s *Server) handleOAuthFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State    string `json:"state"`
		Callback string `json:"callback"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" || req.Callback == "" {
		writeAdminBadRequest(w, "state and callback are required")
		return
	}
	pkce, ok := s.pkceSessions.GetAndDelete(req.State)
	if !ok {
		writeAdminErrorMsg(w, http.StatusBadRequest, "unknown or expired oauth state")
		return
	}
	code := account.ExtractCode(req.Callback)
	if code == "" {
		writeAdminBadRequest(w, "callback carried no authorization code")
		return
	}
	result, err := account.FinishAuth(r.Context(), s.oauthEndpoints(), code, pkce.CodeVerifier, req.State)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err)
		return
	}
	email := req.Email
	if email == "" {
		email = result.Email
	}
	acc, err := s.accounts.Create(r.Context(), result.RefreshToken, email)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	s.publishAccountEvent(acc.ID, "onboarded via oauth")
	writeJSON(w, http.StatusCreated, s.toAccountView(r.Context(), acc))
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	result, err := s.refresh.RefreshAll(r.Context(), "admin")
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	s.publishAccountEvent("", "refresh-all complete")
	writeJSON(w, http.StatusOK, result)
}

// statisticsResponse is GET /admin/api/statistics's body, a pool-wide
// summary grouped by account status.
type statisticsResponse struct {
	TotalAccounts int64            `json:"total_accounts"`
	ByStatus      map[string]int64 `json:"by_status"`
	TotalUseCount int64            `json:"total_use_count"`
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	stats := statisticsResponse{ByStatus: map[string]int64{}}
	for _, a := range accounts {
		stats.TotalAccounts++
		stats.ByStatus[a.Status]++
		stats.TotalUseCount += a.UseCount
	}
	for status, count := range stats.ByStatus {
		poolAccountsGauge.WithLabelValues(status).Set(float64(count))
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEvents streams the live event bus as SSE (spec §4.9's "GET
// /admin/api/events"), replaying the ring buffer's recent history first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminErrorMsg(w, http.StatusInternalServerError, "streaming unsupported by this response writer")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	for _, ev := range recent {
		writeEventSSE(w, ev)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEventSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeEventSSE(w http.ResponseWriter, ev events.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(b)
	w.Write([]byte("\n\n"))
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.ListHealth(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"health": health})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.poolHasCandidate(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) publishAccountEvent(accountID, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: events.EventAccountRecovered, AccountID: accountID, Message: msg})
}

func writeAdminError(w http.ResponseWriter, status int, err error) {
	writeAdminErrorMsg(w, status, err.Error())
}

func writeAdminErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAdminBadRequest(w http.ResponseWriter, msg string) {
	writeAdminErrorMsg(w, http.StatusBadRequest, msg)
}
