package sessions

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/telechubbiies/identity/pkg/audit"
	"github.com/telechubbiies/identity/pkg/contextkeys"
	"github.com/telechubbiies/identity/pkg/credentials"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/httputil"
	"github.com/telechubbiies/identity/pkg/oauth"
	"github.com/telechubbiies/identity/pkg/observability"
)

// RefreshCookieName carries the refresh token between first-party
// requests. The cookie is httpOnly; scripts never see the token.
const RefreshCookieName = "identity_refresh"

// Handler serves the direct login endpoints.
type Handler struct {
	users        *directory.Store
	tokens       *oauth.TokenService
	metrics      *observability.Metrics
	audit        audit.Logger
	log          *logrus.Logger
	secureCookie bool
}

// NewHandler creates the session handler. Metrics and audit may be nil.
func NewHandler(users *directory.Store, tokens *oauth.TokenService, metrics *observability.Metrics, auditLog audit.Logger, log *logrus.Logger, secureCookie bool) *Handler {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		users:        users,
		tokens:       tokens,
		metrics:      metrics,
		audit:        auditLog,
		log:          log,
		secureCookie: secureCookie,
	}
}

// RegisterRoutes wires the session endpoints. The me route needs the
// bearer middleware; login and refresh authenticate on their own.
// limitLogin throttles credential guessing and may be nil.
func (h *Handler) RegisterRoutes(router *mux.Router, requireBearer, limitLogin func(http.Handler) http.Handler) {
	if limitLogin == nil {
		limitLogin = func(next http.Handler) http.Handler { return next }
	}
	router.Handle("/auth/login", limitLogin(http.HandlerFunc(h.Login))).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", h.Refresh).Methods(http.MethodPost)
	router.HandleFunc("/auth/logout", h.Logout).Methods(http.MethodPost)
	router.Handle("/auth/me", requireBearer(http.HandlerFunc(h.Me))).Methods(http.MethodGet)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresIn   int64           `json:"expires_in"`
	User        *directory.User `json:"user"`
}

// Login handles POST /auth/login. Failures are reported uniformly so
// the response does not reveal whether the email exists.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteValidationError(w, "email and password are required")
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.loginFailed(r, req.Email, "unknown_email")
		httputil.WriteUnauthorized(w, "invalid email or password")
		return
	}

	ok, err := credentials.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		h.loginFailed(r, req.Email, "bad_password")
		httputil.WriteUnauthorized(w, "invalid email or password")
		return
	}
	if !user.IsActive {
		h.loginFailed(r, req.Email, "deactivated")
		httputil.WriteUnauthorized(w, "invalid email or password")
		return
	}

	accessToken, err := h.tokens.IssueAccessToken(user, &oauth.Client{ClientID: oauth.DirectGrantAudience}, oauth.AllScopes)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	refreshToken, err := h.tokens.IssueRefreshToken(r.Context(), user, nil, oauth.AllScopes)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.users.RecordLogin(r.Context(), user.ID); err != nil {
		h.log.WithError(err).Warn("failed to record login time")
	}
	if h.metrics != nil {
		h.metrics.LoginsTotal.WithLabelValues(audit.LoginMethodDirect).Inc()
	}
	h.logEvent(r, audit.NewEvent(audit.EventTypeAuthLogin, audit.EventStatusSuccess).
		WithActor(user.ID, user.Email).
		WithMeta("method", audit.LoginMethodDirect))

	h.setRefreshCookie(w, refreshToken)
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.tokens.AccessTokenTTL().Seconds()),
		User:        user,
	})
}

// Refresh handles POST /auth/refresh using the refresh cookie. The
// rotated token replaces the cookie value.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		httputil.WriteUnauthorized(w, "no session")
		return
	}

	resp, err := h.tokens.Refresh(r.Context(), cookie.Value)
	if err != nil {
		h.clearRefreshCookie(w)
		httputil.WriteUnauthorized(w, "session expired")
		return
	}

	h.setRefreshCookie(w, resp.RefreshToken)
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresIn:   resp.ExpiresIn,
	})
}

// Logout handles POST /auth/logout. The refresh token is revoked and
// the cookie cleared; an absent cookie still logs out cleanly.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(RefreshCookieName); err == nil && cookie.Value != "" {
		if err := h.tokens.Revoke(r.Context(), cookie.Value); err != nil {
			h.log.WithError(err).Warn("failed to revoke session refresh token")
		}
	}
	if user := contextkeys.UserFromContext(r.Context()); user != nil {
		h.logEvent(r, audit.NewEvent(audit.EventTypeAuthLogout, audit.EventStatusSuccess).
			WithActor(user.ID, user.Email))
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusOK)
}

// Me handles GET /auth/me for the authenticated user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	httputil.WriteSuccess(w, user)
}

func (h *Handler) loginFailed(r *http.Request, email, reason string) {
	if h.metrics != nil {
		h.metrics.LoginFailuresTotal.WithLabelValues(reason).Inc()
	}
	event := audit.NewEvent(audit.EventTypeAuthLoginFailed, audit.EventStatusFailure).
		WithMeta("email", email).
		WithMeta("reason", reason)
	h.logEvent(r, event)
	h.log.WithFields(logrus.Fields{
		"email":  email,
		"reason": reason,
		"ip":     httputil.ClientIP(r),
	}).Warn("login failed")
}

func (h *Handler) logEvent(r *http.Request, event *audit.Event) {
	event.IPAddress = httputil.ClientIP(r)
	event.UserAgent = httputil.UserAgent(r)
	_ = h.audit.Log(r.Context(), event)
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(h.tokens.RefreshTokenTTL().Seconds()),
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/auth",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}
