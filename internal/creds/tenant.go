// ABOUTME: Tenant access token refresher for the Lark open platform
// ABOUTME: Exchanges app credentials for a tenant_access_token over HTTPS

package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

// TenantRefresher obtains tenant access tokens from the Lark auth endpoint.
type TenantRefresher struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client
}

// NewTenantRefresher creates a refresher for the given app credentials.
func NewTenantRefresher(baseURL, appID, appSecret string) *TenantRefresher {
	return &TenantRefresher{
		baseURL:   baseURL,
		appID:     appID,
		appSecret: appSecret,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type tenantTokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"` // seconds
}

// Refresh exchanges the app credentials for a fresh tenant token.
func (r *TenantRefresher) Refresh(ctx context.Context) (*Credential, error) {
	body, err := json.Marshal(tenantTokenRequest{AppID: r.appID, AppSecret: r.appSecret})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+tenantTokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request tenant token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tenant token endpoint returned %d", resp.StatusCode)
	}

	var tr tenantTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Code != 0 {
		return nil, fmt.Errorf("tenant token refused: code=%d msg=%q", tr.Code, tr.Msg)
	}
	if tr.TenantAccessToken == "" {
		return nil, fmt.Errorf("tenant token response missing token")
	}

	now := time.Now()
	return &Credential{
		Kind:      KindTenant,
		Token:     tr.TenantAccessToken,
		Obtained:  now,
		ExpiresAt: now.Add(time.Duration(tr.Expire) * time.Second),
	}, nil
}
