package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
)

// XUIClient talks to 3x-ui style panels. One client serves every server; login
// sessions are cached per server id.
type XUIClient struct {
	httpClient *http.Client
	timeout    time.Duration

	mu       sync.Mutex
	sessions map[int64][]*http.Cookie
}

// NewXUIClient creates a panel client whose calls are bounded by timeout.
func NewXUIClient(timeout time.Duration) *XUIClient {
	return &XUIClient{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  timeout,
		sessions: make(map[int64][]*http.Cookie),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type inbound struct {
	ID             int64  `json:"id"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

type inboundSettings struct {
	Clients []xuiClient `json:"clients"`
}

type xuiClient struct {
	ID         string `json:"id,omitempty"`
	Password   string `json:"password,omitempty"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalBytes int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
}

func (c xuiClient) secret() string {
	if c.Password != "" {
		return c.Password
	}
	return c.ID
}

func (c xuiClient) config() ClientConfig {
	return ClientConfig{
		Identifier:        c.Email,
		UUID:              c.secret(),
		TrafficLimitBytes: c.TotalBytes,
		ExpiresAt:         fromMillis(c.ExpiryTime),
		Enabled:           c.Enable,
	}
}

type clientTraffic struct {
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
}

func subID(id string) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (c *XUIClient) session(server *model.Server) []*http.Cookie {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[server.ID]
}

func (c *XUIClient) dropSession(server *model.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, server.ID)
}

func (c *XUIClient) login(ctx context.Context, server *model.Server) error {
	form := url.Values{}
	form.Set("username", server.Username)
	form.Set("password", server.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(server.PanelURL, "/")+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return &PermanentError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport("login", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport("login", err)
	}
	if resp.StatusCode >= 400 {
		return classifyStatus("login", resp.StatusCode, string(data))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &PermanentError{Op: "login", Err: fmt.Errorf("unmarshal: %w", err)}
	}
	if !env.Success {
		return &PermanentError{Op: "login", Err: fmt.Errorf("%w: %s", ErrUnauthorized, env.Msg)}
	}

	c.mu.Lock()
	c.sessions[server.ID] = resp.Cookies()
	c.mu.Unlock()

	log.Debug().Int64("server_id", server.ID).Msg("Panel session established")
	return nil
}

// doRequest performs an authenticated call and returns the envelope's obj.
// An expired session is refreshed once.
func (c *XUIClient) doRequest(ctx context.Context, server *model.Server, op, method, path string, body any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &PermanentError{Op: op, Err: fmt.Errorf("marshal body: %w", err)}
		}
	}

	for attempt := 0; ; attempt++ {
		if c.session(server) == nil {
			if err := c.login(ctx, server); err != nil {
				return nil, err
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(server.PanelURL, "/")+path, reqBody)
		if err != nil {
			return nil, &PermanentError{Op: op, Err: fmt.Errorf("create request: %w", err)}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for _, cookie := range c.session(server) {
			req.AddCookie(cookie)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, classifyTransport(op, err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, classifyTransport(op, err)
		}

		expired := resp.StatusCode == http.StatusUnauthorized ||
			(resp.StatusCode >= 300 && resp.StatusCode < 400)
		if expired && attempt == 0 {
			c.dropSession(server)
			continue
		}
		if resp.StatusCode >= 300 {
			return nil, classifyStatus(op, resp.StatusCode, string(data))
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &PermanentError{Op: op, Err: fmt.Errorf("unmarshal: %w", err)}
		}
		if !env.Success {
			return nil, &PermanentError{Op: op, Err: errors.New(env.Msg)}
		}
		return env.Obj, nil
	}
}

func (c *XUIClient) getInbound(ctx context.Context, server *model.Server, op string) (*inbound, []xuiClient, error) {
	obj, err := c.doRequest(ctx, server, op, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", server.InboundID), nil)
	if err != nil {
		return nil, nil, err
	}

	var in inbound
	if err := json.Unmarshal(obj, &in); err != nil {
		return nil, nil, &PermanentError{Op: op, Err: fmt.Errorf("unmarshal inbound: %w", err)}
	}
	var settings inboundSettings
	if in.Settings != "" {
		if err := json.Unmarshal([]byte(in.Settings), &settings); err != nil {
			return nil, nil, &PermanentError{Op: op, Err: fmt.Errorf("unmarshal inbound settings: %w", err)}
		}
	}
	return &in, settings.Clients, nil
}

func findClient(clients []xuiClient, identifier string) (xuiClient, bool) {
	for _, cl := range clients {
		if cl.Email == identifier {
			return cl, true
		}
	}
	return xuiClient{}, false
}

// CreateClient adds a client to the server's inbound. An empty UUID is generated.
func (c *XUIClient) CreateClient(ctx context.Context, server *model.Server, spec ClientSpec) (*ClientRef, error) {
	if spec.UUID == "" {
		spec.UUID = uuid.NewString()
	}

	cl := xuiClient{
		Email:      spec.Identifier,
		TotalBytes: spec.TrafficLimitBytes,
		ExpiryTime: toMillis(spec.ExpiresAt),
		Enable:     true,
		SubID:      subID(spec.UUID),
	}
	if strings.EqualFold(server.Protocol, "trojan") {
		cl.Password = spec.UUID
	} else {
		cl.ID = spec.UUID
	}

	settings, err := json.Marshal(inboundSettings{Clients: []xuiClient{cl}})
	if err != nil {
		return nil, &PermanentError{Op: "create_client", Err: err}
	}

	body := map[string]any{
		"id":       server.InboundID,
		"settings": string(settings),
	}
	if _, err := c.doRequest(ctx, server, "create_client", http.MethodPost, "/panel/api/inbounds/addClient", body); err != nil {
		return nil, err
	}

	log.Info().
		Int64("server_id", server.ID).
		Str("identifier", spec.Identifier).
		Msg("Panel client created")

	return &ClientRef{Identifier: spec.Identifier, UUID: spec.UUID}, nil
}

// GetClient reads a client's configuration from the server's inbound.
func (c *XUIClient) GetClient(ctx context.Context, server *model.Server, identifier string) (*ClientConfig, error) {
	_, clients, err := c.getInbound(ctx, server, "get_client")
	if err != nil {
		return nil, err
	}
	cl, ok := findClient(clients, identifier)
	if !ok {
		return nil, &PermanentError{Op: "get_client", Err: ErrClientNotFound}
	}
	cfg := cl.config()
	return &cfg, nil
}

// GetClientStatus reads usage and expiry of a client.
func (c *XUIClient) GetClientStatus(ctx context.Context, server *model.Server, identifier string) (*ClientStatus, error) {
	obj, err := c.doRequest(ctx, server, "get_client_status", http.MethodGet,
		"/panel/api/inbounds/getClientTraffics/"+url.PathEscape(identifier), nil)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, &PermanentError{Op: "get_client_status", Err: ErrClientNotFound}
	}

	var tr clientTraffic
	if err := json.Unmarshal(obj, &tr); err != nil {
		return nil, &PermanentError{Op: "get_client_status", Err: fmt.Errorf("unmarshal: %w", err)}
	}
	return &ClientStatus{
		UsedBytes: tr.Up + tr.Down,
		ExpiresAt: fromMillis(tr.ExpiryTime),
	}, nil
}

// DeleteClient removes a client. It reports false when the client was not there.
func (c *XUIClient) DeleteClient(ctx context.Context, server *model.Server, identifier string) (bool, error) {
	_, clients, err := c.getInbound(ctx, server, "delete_client")
	if err != nil {
		return false, err
	}
	cl, ok := findClient(clients, identifier)
	if !ok {
		return false, nil
	}

	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", server.InboundID, url.PathEscape(cl.secret()))
	if _, err := c.doRequest(ctx, server, "delete_client", http.MethodPost, path, nil); err != nil {
		return false, err
	}

	log.Info().
		Int64("server_id", server.ID).
		Str("identifier", identifier).
		Msg("Panel client deleted")
	return true, nil
}

// ListClients returns every client on the server's inbound.
func (c *XUIClient) ListClients(ctx context.Context, server *model.Server) ([]ClientConfig, error) {
	_, clients, err := c.getInbound(ctx, server, "list_clients")
	if err != nil {
		return nil, err
	}
	out := make([]ClientConfig, 0, len(clients))
	for _, cl := range clients {
		out = append(out, cl.config())
	}
	return out, nil
}

// GenerateConnectionLink builds the client's share link from the inbound's
// transport settings and the server's public host.
func (c *XUIClient) GenerateConnectionLink(ctx context.Context, server *model.Server, identifier string) (string, error) {
	in, clients, err := c.getInbound(ctx, server, "connection_link")
	if err != nil {
		return "", err
	}
	cl, ok := findClient(clients, identifier)
	if !ok {
		return "", &PermanentError{Op: "connection_link", Err: ErrClientNotFound}
	}

	var stream StreamSettings
	if in.StreamSettings != "" {
		if err := json.Unmarshal([]byte(in.StreamSettings), &stream); err != nil {
			return "", &PermanentError{Op: "connection_link", Err: fmt.Errorf("unmarshal stream settings: %w", err)}
		}
	}

	protocol := server.Protocol
	if protocol == "" {
		protocol = in.Protocol
	}
	port := server.LinkPort
	if port == 0 {
		port = in.Port
	}

	link, err := BuildLink(protocol, cl.secret(), server.LinkHost, port, stream, identifier)
	if err != nil {
		return "", &PermanentError{Op: "connection_link", Err: err}
	}
	return link, nil
}

var _ Client = (*XUIClient)(nil)
