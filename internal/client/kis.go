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

// DefaultKISBaseURL is the KIS production REST endpoint.
const DefaultKISBaseURL = "https://openapi.koreainvestment.com:9443"

// kisEnvelope is the common KIS response frame. rt_cd "0" is success;
// the record list lives under output1/output2/output depending on the
// transaction.
type kisEnvelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// KISClient talks to the Korea Investment & Securities REST API. Each
// operation is a GET with the transaction id in the tr_id header and
// the shaped params as the query string.
type KISClient struct {
	*httpClient
	appKey    string
	appSecret string
}

func NewKISClient(baseURL, appKey, appSecret string, tokens TokenSource, logger *slog.Logger) *KISClient {
	if baseURL == "" {
		baseURL = DefaultKISBaseURL
	}
	c := &KISClient{appKey: appKey, appSecret: appSecret}
	c.httpClient = newHTTPClient(domain.ProviderKIS, baseURL, tokens, logger, c.buildRequest, parseKISResponse)
	return c
}

func (c *KISClient) buildRequest(ctx context.Context, baseURL, token string, op registry.Operation, shaped map[string]any) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, op.Method, baseURL+op.Path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = encodeQuery(shaped)
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.appSecret)
	req.Header.Set("tr_id", op.ID)
	req.Header.Set("custtype", "P")
	return req, nil
}

func parseKISResponse(op registry.Operation, body []byte) (map[string]any, error) {
	var env kisEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op.ID, err)
	}
	if env.RtCd != "0" {
		return nil, &APIError{
			Provider: string(domain.ProviderKIS),
			Code:     env.MsgCd,
			Message:  env.Msg1,
		}
	}

	// The record list lives under output1/output2/output depending on
	// the transaction; the first non-empty one is the primary payload.
	var data any = []any{}
	for _, raw := range []json.RawMessage{env.Output1, env.Output2, env.Output} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", op.ID, err)
		}
		data = v
		break
	}

	return map[string]any{
		"status":       "success",
		"provider":     string(domain.ProviderKIS),
		"operation_id": op.ID,
		"data":         data,
		"message":      env.Msg1,
	}, nil
}
