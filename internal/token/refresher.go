package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apihub-kr/apihub/pkg/domain"
)

const (
	kisTokenPath    = "/oauth2/tokenP"
	kiwoomTokenPath = "/oauth2/token"

	defaultTokenLifetime = 86400
	refreshHTTPTimeout   = 10 * time.Second
)

// OAuthRefresher issues tokens via the provider's client-credentials
// endpoint. KIS and Kiwoom differ only in path, secret field name and
// response shape.
type OAuthRefresher struct {
	baseURL   string
	appKey    string
	appSecret string
	hc        *http.Client
}

func NewOAuthRefresher(baseURL, appKey, appSecret string) *OAuthRefresher {
	return &OAuthRefresher{
		baseURL:   baseURL,
		appKey:    appKey,
		appSecret: appSecret,
		hc:        &http.Client{Timeout: refreshHTTPTimeout},
	}
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	Token       string          `json:"token"`
	ExpiresIn   json.Number     `json:"expires_in"`
	ExpiresDt   string          `json:"expires_dt"`
	ErrorCode   json.RawMessage `json:"error_code"`
	ErrorDesc   string          `json:"error_description"`
	ReturnMsg   string          `json:"return_msg"`
}

func (r *OAuthRefresher) Refresh(ctx context.Context, provider domain.Provider) (string, int64, error) {
	path := kisTokenPath
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     r.appKey,
		"appsecret":  r.appSecret,
	}
	if provider == domain.ProviderKiwoom {
		path = kiwoomTokenPath
		delete(body, "appsecret")
		body["secretkey"] = r.appSecret
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")

	resp, err := r.hc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token endpoint for %s: %w", provider, err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("decode token response for %s: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := tr.ErrorDesc
		if msg == "" {
			msg = tr.ReturnMsg
		}
		return "", 0, fmt.Errorf("token endpoint for %s returned %d: %s", provider, resp.StatusCode, msg)
	}

	accessToken := tr.AccessToken
	if accessToken == "" {
		accessToken = tr.Token
	}
	if accessToken == "" {
		return "", 0, fmt.Errorf("token response for %s carried no token", provider)
	}
	return accessToken, tr.lifetimeSeconds(), nil
}

// lifetimeSeconds prefers expires_in; Kiwoom instead reports an absolute
// expires_dt in KST.
func (tr tokenResponse) lifetimeSeconds() int64 {
	if n, err := tr.ExpiresIn.Int64(); err == nil && n > 0 {
		return n
	}
	if tr.ExpiresDt != "" {
		loc, err := time.LoadLocation("Asia/Seoul")
		if err == nil {
			if exp, err := time.ParseInLocation("20060102150405", tr.ExpiresDt, loc); err == nil {
				if d := time.Until(exp); d > 0 {
					return int64(d.Seconds())
				}
			}
		}
	}
	return defaultTokenLifetime
}
