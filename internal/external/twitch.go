package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"streamdrop/internal/types"
)

// Twitch API base URLs, overridable in tests via TwitchClientConfig.
const (
	twitchTokenURL    = "https://id.twitch.tv/oauth2/token"
	twitchValidateURL = "https://id.twitch.tv/oauth2/validate"
	twitchUsersURL    = "https://api.twitch.tv/helix/users"
	twitchAuthBaseURL = "https://id.twitch.tv/oauth2/authorize"
)

// TwitchClientConfig holds the configuration for creating a TwitchClient.
type TwitchClientConfig struct {
	ClientID     string
	ClientSecret types.SecretString
	RedirectURL  string
	Logger       *slog.Logger

	// Override URLs for testing
	TokenURL    string
	UsersURL    string
	AuthBaseURL string
}

// TwitchProfile is the normalized Helix user record returned after an
// OAuth exchange.
type TwitchProfile struct {
	ID          string
	Login       string
	DisplayName string
	Email       string
}

// TwitchClient implements the Twitch OAuth 2.0 flow and the Helix user
// lookup. Exchange performs two sequential HTTP calls:
//  1. Token exchange (authorization code -> access token)
//  2. Helix users retrieval (access token -> broadcaster profile)
type TwitchClient struct {
	base         *BaseClient
	clientID     string
	clientSecret types.SecretString
	redirectURL  string
	tokenURL     string
	usersURL     string
	authBaseURL  string
	logger       *slog.Logger
}

// NewTwitchClient creates a new TwitchClient with the given HTTP client and config.
func NewTwitchClient(httpClient *http.Client, cfg TwitchClientConfig) *TwitchClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = twitchTokenURL
	}
	usersURL := cfg.UsersURL
	if usersURL == "" {
		usersURL = twitchUsersURL
	}
	authBaseURL := cfg.AuthBaseURL
	if authBaseURL == "" {
		authBaseURL = twitchAuthBaseURL
	}

	base := NewBaseClient(
		httpClient,
		"twitch-oauth",
		RetryPolicy{
			MaxRetries: 1,
			MinWait:    500 * time.Millisecond,
			MaxWait:    3 * time.Second,
		},
		"streamdrop/1.0",
	)

	return &TwitchClient{
		base:         base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		tokenURL:     tokenURL,
		usersURL:     usersURL,
		authBaseURL:  authBaseURL,
		logger:       logger,
	}
}

// NewTwitchClientWithBase creates a TwitchClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewTwitchClientWithBase(base *BaseClient, cfg TwitchClientConfig) *TwitchClient {
	c := NewTwitchClient(nil, cfg)
	c.base = base
	return c
}

// AuthorizeURL builds the Twitch authorization redirect for the given state
// and scopes.
func (c *TwitchClient) AuthorizeURL(state string, scopes []string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURL)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	return c.authBaseURL + "?" + q.Encode()
}

// twitchTokenResponse is the OAuth token endpoint response body.
type twitchTokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
}

// Exchange trades an authorization code for tokens and fetches the
// broadcaster's Helix profile.
func (c *TwitchClient) Exchange(ctx context.Context, code string) (*types.TwitchToken, *TwitchProfile, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.clientSecret.Unmask())
	params.Set("code", code)
	params.Set("grant_type", "authorization_code")
	params.Set("redirect_uri", c.redirectURL)

	token, err := c.requestToken(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	profile, err := c.getSelf(ctx, token.AccessToken.Unmask())
	if err != nil {
		return nil, nil, err
	}
	return token, profile, nil
}

// Refresh trades a refresh token for a fresh access token. Twitch may or may
// not rotate the refresh token; callers must handle an empty one.
func (c *TwitchClient) Refresh(ctx context.Context, refreshToken types.SecretString) (*types.TwitchToken, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.clientSecret.Unmask())
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", refreshToken.Unmask())

	return c.requestToken(ctx, params)
}

func (c *TwitchClient) requestToken(ctx context.Context, params url.Values) (*types.TwitchToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build twitch token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, c.wrapTwitchError("token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, "token")
	}

	var tr twitchTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode twitch token response", err)
	}

	return &types.TwitchToken{
		AccessToken:  types.SecretString(tr.AccessToken),
		RefreshToken: types.SecretString(tr.RefreshToken),
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scopes:       tr.Scope,
		TokenType:    tr.TokenType,
	}, nil
}

// getSelf fetches the authenticated user's Helix profile.
func (c *TwitchClient) getSelf(ctx context.Context, accessToken string) (*TwitchProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.usersURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build twitch users request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", c.clientID)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, c.wrapTwitchError("users", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, "users")
	}

	var out struct {
		Data []struct {
			ID          string `json:"id"`
			Login       string `json:"login"`
			DisplayName string `json:"display_name"`
			Email       string `json:"email"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode twitch users response", err)
	}
	if len(out.Data) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamTwitch,
			"twitch users response contained no user", nil)
	}

	u := out.Data[0]
	return &TwitchProfile{
		ID:          u.ID,
		Login:       strings.ToLower(u.Login),
		DisplayName: u.DisplayName,
		Email:       u.Email,
	}, nil
}

// handleErrorResponse reads a Twitch error body and maps it to an AppError.
func (c *TwitchClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			fmt.Sprintf("%s: Twitch rejected the credentials (%d)", operation, resp.StatusCode),
			nil,
		)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Twitch rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Twitch server error (%d)", operation, resp.StatusCode),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamTwitch,
			fmt.Sprintf("%s: Twitch error (%d): %s", operation, resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}
}

// wrapTwitchError wraps a BaseClient transport error with context.
func (c *TwitchClient) wrapTwitchError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamTwitch,
		fmt.Sprintf("%s: Twitch request failed: %v", operation, err),
		err,
	)
}
