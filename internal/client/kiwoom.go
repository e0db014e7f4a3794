package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/apihub-kr/apihub/internal/registry"
	"github.com/apihub-kr/apihub/pkg/domain"
)

// DefaultKiwoomBaseURL is the Kiwoom production REST endpoint.
const DefaultKiwoomBaseURL = "https://api.kiwoom.com"

// KiwoomClient talks to the Kiwoom REST API. All chart operations POST
// to the same path; the api-id header selects the transaction and the
// shaped params go in the JSON body.
type KiwoomClient struct {
	*httpClient
	appKey    string
	appSecret string
}

func NewKiwoomClient(baseURL, appKey, appSecret string, tokens TokenSource, logger *slog.Logger) *KiwoomClient {
	if baseURL == "" {
		baseURL = DefaultKiwoomBaseURL
	}
	c := &KiwoomClient{appKey: appKey, appSecret: appSecret}
	c.httpClient = newHTTPClient(domain.ProviderKiwoom, baseURL, tokens, logger, c.buildRequest, parseKiwoomResponse)
	return c
}

func (c *KiwoomClient) buildRequest(ctx context.Context, baseURL, token string, op registry.Operation, shaped map[string]any) (*http.Request, error) {
	body, err := encodeJSONBody(shaped)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, baseURL+op.Path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("api-id", op.ID)
	return req, nil
}

func parseKiwoomResponse(op registry.Operation, body []byte) (map[string]any, error) {
	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op.ID, err)
	}

	// return_code may arrive as a string or a bare number; "0000" and 0
	// both mean success.
	if code, ok := env["return_code"]; ok && !kiwoomSuccess(code) {
		msg, _ := env["return_msg"].(string)
		return nil, &APIError{
			Provider: string(domain.ProviderKiwoom),
			Code:     fmt.Sprint(code),
			Message:  msg,
		}
	}

	msg, _ := env["return_msg"].(string)
	data := any(env)
	if op.ResponseKey != "" {
		// A success code without the documented record list is still a
		// provider error; an empty payload carries nothing dispatchable.
		records, ok := env[op.ResponseKey]
		if !ok || emptyPayload(records) {
			return nil, &APIError{
				Provider: string(domain.ProviderKiwoom),
				Message:  fmt.Sprintf("empty %s payload", op.ResponseKey),
			}
		}
		data = records
	}

	return map[string]any{
		"status":       "success",
		"provider":     string(domain.ProviderKiwoom),
		"operation_id": op.ID,
		"data":         data,
		"message":      msg,
	}, nil
}

func emptyPayload(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		return len(x) == 0
	}
	return false
}

func kiwoomSuccess(code any) bool {
	switch v := code.(type) {
	case string:
		return v == "0000" || v == "0"
	case float64:
		return v == 0
	}
	return false
}
