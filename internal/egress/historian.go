package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
)

const historianComponent = "historian_http"

// HistorianConfig names the fixed identity fields every session/browse
// call against the historian carries (§4.9 step 1, §4.10).
type HistorianConfig struct {
	APIToken           string
	ClientID           string
	Historians         []string
	ClientTimeoutMS    int
	AutoCreateDatasets bool
}

// HistorianHTTP implements both egress.Acquirer (C9) and egress.Browser
// (C10) against the historian's session/browse HTTP endpoints, grounded on
// client.go's request/response idiom (context-bounded POST, typed JSON
// decode).
type HistorianHTTP struct {
	cfg     HistorianConfig
	baseURL string
	http    *http.Client
}

func NewHistorianHTTP(cfg HistorianConfig, baseURL string, timeout time.Duration) *HistorianHTTP {
	return &HistorianHTTP{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type sessionAcquireRequest struct {
	APIToken   string   `json:"apiToken"`
	ClientID   string   `json:"clientId"`
	Historians []string `json:"historians"`
	Settings   struct {
		ClientTimeout      int  `json:"clientTimeout"`
		AutoCreateDatasets bool `json:"autoCreateDatasets"`
	} `json:"settings"`
}

type sessionAcquireResponse struct {
	SessionToken string `json:"sessionToken"`
}

// Acquire performs §4.9 step 1's session acquisition call.
func (h *HistorianHTTP) Acquire(ctx context.Context) (string, error) {
	req := sessionAcquireRequest{
		APIToken:   h.cfg.APIToken,
		ClientID:   h.cfg.ClientID,
		Historians: h.cfg.Historians,
	}
	req.Settings.ClientTimeout = h.cfg.ClientTimeoutMS
	req.Settings.AutoCreateDatasets = h.cfg.AutoCreateDatasets

	var resp sessionAcquireResponse
	if err := h.post(ctx, "/api/v2/session", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionToken == "" {
		return "", pkgerrors.New(pkgerrors.SessionInvalid, historianComponent, "acquire", "empty session token in response")
	}
	return resp.SessionToken, nil
}

type sessionKeepaliveRequest struct {
	SessionToken string `json:"sessionToken"`
	APIToken     string `json:"apiToken"`
}

// Keepalive refreshes an existing token's idle timer (§4.9).
func (h *HistorianHTTP) Keepalive(ctx context.Context, token string) error {
	return h.post(ctx, "/api/v2/session/keepalive", sessionKeepaliveRequest{SessionToken: token, APIToken: h.cfg.APIToken}, nil)
}

// Revoke ends a session explicitly (§4.9, used on graceful shutdown).
func (h *HistorianHTTP) Revoke(ctx context.Context, token string) error {
	return h.post(ctx, "/api/v2/session/revoke", sessionKeepaliveRequest{SessionToken: token, APIToken: h.cfg.APIToken}, nil)
}

type browseRequest struct {
	SessionToken string `json:"sessionToken,omitempty"`
	APIToken     string `json:"apiToken"`
	Path         string `json:"path"`
	Deep         bool   `json:"deep"`
	MaxSize      int    `json:"maxSize"`
	Continuation string `json:"continuation,omitempty"`
}

type browseResponse struct {
	Paths        []string `json:"paths"`
	Continuation string   `json:"continuation"`
}

const browsePageSize = 1000

// Browse performs one page of §4.10's deep-browse search under dataset.
func (h *HistorianHTTP) Browse(ctx context.Context, dataset, continuationToken string) (BrowsePage, error) {
	req := browseRequest{
		APIToken:     h.cfg.APIToken,
		Path:         dataset,
		Deep:         true,
		MaxSize:      browsePageSize,
		Continuation: continuationToken,
	}

	var resp browseResponse
	if err := h.post(ctx, "/api/v2/browse", req, &resp); err != nil {
		return BrowsePage{}, err
	}
	return BrowsePage{
		Paths:             resp.Paths,
		ContinuationToken: resp.Continuation,
		HasMore:           resp.Continuation != "",
	}, nil
}

func (h *HistorianHTTP) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling historian request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return pkgerrors.New(pkgerrors.TransientNetwork, historianComponent, "post", "historian request failed").Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return pkgerrors.New(pkgerrors.TransientNetwork, historianComponent, "post", "historian 5xx response").
			WithMetadata("status", resp.StatusCode).WithMetadata("path", path)
	}
	if resp.StatusCode >= 400 {
		return pkgerrors.New(pkgerrors.SessionInvalid, historianComponent, "post", "historian 4xx response").
			WithMetadata("status", resp.StatusCode).WithMetadata("path", path)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
