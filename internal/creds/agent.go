// ABOUTME: Agent API token refresher using the client credentials grant
// ABOUTME: Falls back to the JWT exp claim when the response omits expiry

package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultAgentWindow is assumed when neither the response nor the token
// itself carries an expiry.
const defaultAgentWindow = 30 * time.Minute

// AgentRefresher obtains agent API tokens from an OAuth-style token endpoint.
type AgentRefresher struct {
	authURL      string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewAgentRefresher creates a refresher for the agent token endpoint.
func NewAgentRefresher(authURL, clientID, clientSecret string) *AgentRefresher {
	return &AgentRefresher{
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

type agentTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds, optional
}

// Refresh exchanges the client credentials for a fresh agent token.
func (r *AgentRefresher) Refresh(ctx context.Context) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request agent token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent token endpoint returned %d", resp.StatusCode)
	}

	var tr agentTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("agent token response missing access_token")
	}

	now := time.Now()
	expiresAt := now.Add(defaultAgentWindow)
	if tr.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else if exp, ok := tokenExpiry(tr.AccessToken); ok {
		expiresAt = exp
	}

	return &Credential{
		Kind:      KindAgent,
		Token:     tr.AccessToken,
		Obtained:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// bridge never trusts this token for auth decisions, only for scheduling.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
