package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apihub-kr/apihub/pkg/domain"
)

func TestOAuthRefresherKIS(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "kis-token",
			"expires_in":   86400,
		})
	}))
	defer srv.Close()

	ref := NewOAuthRefresher(srv.URL, "key", "secret")
	tok, ttl, err := ref.Refresh(context.Background(), domain.ProviderKIS)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if gotPath != "/oauth2/tokenP" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["grant_type"] != "client_credentials" || gotBody["appsecret"] != "secret" {
		t.Fatalf("unexpected request body %v", gotBody)
	}
	if tok != "kis-token" || ttl != 86400 {
		t.Fatalf("unexpected token %q / ttl %d", tok, ttl)
	}
}

func TestOAuthRefresherKiwoom(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	expires := time.Now().Add(12 * time.Hour)
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatalf("load KST: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "kiwoom-token",
			"expires_dt": expires.In(loc).Format("20060102150405"),
		})
	}))
	defer srv.Close()

	ref := NewOAuthRefresher(srv.URL, "key", "secret")
	tok, ttl, err := ref.Refresh(context.Background(), domain.ProviderKiwoom)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if gotPath != "/oauth2/token" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["secretkey"] != "secret" {
		t.Fatalf("kiwoom must send secretkey, got %v", gotBody)
	}
	if _, has := gotBody["appsecret"]; has {
		t.Fatalf("kiwoom must not send appsecret")
	}
	if tok != "kiwoom-token" {
		t.Fatalf("unexpected token %q", tok)
	}
	// Absolute expiry converts to a remaining lifetime around 12h.
	if ttl < 11*3600 || ttl > 13*3600 {
		t.Fatalf("unexpected lifetime %ds", ttl)
	}
}

func TestOAuthRefresherRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_code":        "EGW00103",
			"error_description": "invalid appkey",
		})
	}))
	defer srv.Close()

	ref := NewOAuthRefresher(srv.URL, "bad", "bad")
	if _, _, err := ref.Refresh(context.Background(), domain.ProviderKIS); err == nil {
		t.Fatalf("expected error from rejected credential")
	}
}
