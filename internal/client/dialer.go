package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"taskflow/internal/protocol"
	"taskflow/pkg"
)

// WSDialer opens websocket transports to the server's /ws endpoint
type WSDialer struct {
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWSDialer derives the websocket URL from an http(s) server URL
func NewWSDialer(serverURL string, writeTimeout time.Duration) (*WSDialer, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return &WSDialer{
		url:          u.String(),
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		writeTimeout: writeTimeout,
	}, nil
}

func (d *WSDialer) URL() string { return d.url }

func (d *WSDialer) Dial(ctx context.Context, principal string) (protocol.Transport, error) {
	header := http.Header{}
	header.Set(protocol.PrincipalHeader, principal)
	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", d.url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.url, err)
	}
	return protocol.NewWSTransport(conn, d.writeTimeout), nil
}

// HTTPRefetcher loads workspace baselines from the snapshot endpoint
type HTTPRefetcher struct {
	baseURL   string
	principal string
	http      *http.Client
}

func NewHTTPRefetcher(serverURL, principal string, httpClient *http.Client) *HTTPRefetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRefetcher{
		baseURL:   strings.TrimSuffix(serverURL, "/"),
		principal: principal,
		http:      httpClient,
	}
}

func (r *HTTPRefetcher) Snapshot(ctx context.Context, workspaceID string) (*pkg.WorkspaceSnapshot, error) {
	endpoint := r.baseURL + "/api/workspaces/" + url.PathEscape(workspaceID) + "/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set(protocol.PrincipalHeader, r.principal)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var out snapshotResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success || out.Data == nil {
		return nil, fmt.Errorf("snapshot request failed: %s: %s", resp.Status, out.Error)
	}
	return out.Data, nil
}

type snapshotResponse struct {
	Success bool                   `json:"success"`
	Data    *pkg.WorkspaceSnapshot `json:"data"`
	Error   string                 `json:"error"`
}
