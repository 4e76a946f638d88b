// This file implements the Twitch OAuth onboarding flow: redirect the
// broadcaster to Twitch, then exchange the callback code for tokens and
// create or refresh the streamer record.
package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/core"
	"streamdrop/internal/external"
	"streamdrop/internal/types"
)

const (
	oauthStateCookie = "twitch_oauth_state"
	oauthStateMaxAge = 600 // 10 minutes
)

// twitchScopes are the scopes requested on login. Identity only; chat
// integration authenticates separately.
var twitchScopes = []string{"user:read:email"}

// TwitchOAuth is the OAuth surface the auth endpoints call.
type TwitchOAuth interface {
	AuthorizeURL(state string, scopes []string) string
	Exchange(ctx context.Context, code string) (*types.TwitchToken, *external.TwitchProfile, error)
}

// StreamerUpserter persists the broadcaster record after a successful exchange.
type StreamerUpserter interface {
	UpsertByTwitchID(ctx context.Context, s *types.Streamer) error
}

// AuthHandler implements the Twitch OAuth login and callback endpoints.
type AuthHandler struct {
	oauth        TwitchOAuth
	streamers    StreamerUpserter
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. secureCookie should be true in
// any deployed environment; local development over plain HTTP disables it.
func NewAuthHandler(oauth TwitchOAuth, streamers StreamerUpserter, secureCookie bool, l *slog.Logger) *AuthHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AuthHandler{
		oauth:        oauth,
		streamers:    streamers,
		secureCookie: secureCookie,
		logger:       l,
	}
}

// RegisterRoutes mounts the auth routes. Both are public.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/auth/twitch/login", h.Login)
	r.Get("/auth/twitch/callback", h.Callback)
}

// Login generates a state token, stores it in a short-lived cookie, and
// redirects the broadcaster to the Twitch authorization page.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to generate oauth state",
			err,
		))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		MaxAge:   oauthStateMaxAge,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.oauth.AuthorizeURL(state, twitchScopes), http.StatusTemporaryRedirect)
}

// Callback completes the OAuth flow:
//  1. Validate the state parameter against the state cookie.
//  2. Exchange the authorization code for tokens and the Helix profile.
//  3. Upsert the streamer record keyed on the Twitch user ID.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	stateParam := r.URL.Query().Get("state")
	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	if cookieErr != nil || stateCookie.Value == "" || stateParam == "" || stateParam != stateCookie.Value {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"invalid oauth state parameter",
			nil,
		))
		return
	}

	// Clear the state cookie; it is single use.
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"twitch authorization was denied: "+errParam,
			nil,
		))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"authorization code is required",
			nil,
		))
		return
	}

	token, profile, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "twitch code exchange failed", "error", err)
		core.Error(w, r, err)
		return
	}

	expiry := token.ExpiresAt
	streamer := &types.Streamer{
		TwitchID:     profile.ID,
		TwitchLogin:  profile.Login,
		DisplayName:  profile.DisplayName,
		Email:        profile.Email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenExpiry:  &expiry,
		Scopes:       token.Scopes,
		Settings:     types.DefaultDropSettings(),
		Plan:         types.PlanFree,
	}

	if err := h.streamers.UpsertByTwitchID(r.Context(), streamer); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "streamer authenticated",
		"streamer_id", streamer.ID,
		"twitch_login", streamer.TwitchLogin,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"streamer_id":   streamer.ID,
		"twitch_login":  streamer.TwitchLogin,
		"display_name":  streamer.DisplayName,
		"token_expires": expiry.UTC().Format(time.RFC3339),
	}})
}

// generateState returns 32 hex characters of CSPRNG randomness.
func generateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
