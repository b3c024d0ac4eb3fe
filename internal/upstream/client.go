package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/warmfleet/browserpool/internal/pool"
	"github.com/warmfleet/browserpool/pkg/models"
)

// DefaultTimeout bounds each HTTP call when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Config locates the provisioning service and the project browsers are
// billed against.
type Config struct {
	// BaseURL is the root of the provisioning API, without a trailing slash.
	BaseURL string

	// APIKey is sent as X-API-Key on every request when set.
	APIKey string

	// ProjectID owns the provisioned browsers.
	ProjectID string

	// ContextID, when set, provisions every browser from this persisted
	// context so profile state survives recycling.
	ContextID string

	// SessionTTL is the lifetime hint, in seconds, passed upstream for each
	// browser. Zero lets the service pick its own default.
	SessionTTL int

	// Timeout bounds each HTTP call.
	Timeout time.Duration

	Logger *zap.Logger
}

// Client talks to the remote browser provisioning service.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// New validates cfg and builds a client. No request is made yet.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream: base URL is required")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("upstream: project ID is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  cfg.Logger,
	}, nil
}

// StatusError is a non-2xx response from the provisioning service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.Code, e.Message)
}

type createSessionRequest struct {
	ProjectID string `json:"projectId"`
	Region    string `json:"region,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
	ContextID string `json:"contextId,omitempty"`
}

// CreateSession asks the service for a fresh browser in the given region.
func (c *Client) CreateSession(ctx context.Context, region string) (models.ProvisionedSession, error) {
	req := createSessionRequest{
		ProjectID: c.cfg.ProjectID,
		Region:    region,
		Timeout:   c.cfg.SessionTTL,
		ContextID: c.cfg.ContextID,
	}
	var out models.ProvisionedSession
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return models.ProvisionedSession{}, err
	}
	if out.ConnectURL == "" {
		return models.ProvisionedSession{}, fmt.Errorf("upstream session %s has no connect URL", out.ID)
	}
	return out, nil
}

// StopSession releases an upstream browser. A browser that is already gone
// counts as stopped, so retries and races with upstream expiry stay quiet.
func (c *Client) StopSession(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusGone) {
		return nil
	}
	return err
}

// CreateContext creates a persisted browser profile. An empty projectID
// falls back to the client's own project.
func (c *Client) CreateContext(ctx context.Context, projectID string) (models.Context, error) {
	if projectID == "" {
		projectID = c.cfg.ProjectID
	}
	var out models.Context
	err := c.do(ctx, http.MethodPost, "/v1/contexts", models.CreateContextRequest{ProjectID: projectID}, &out)
	return out, err
}

// GetContext fetches one persisted browser profile.
func (c *Client) GetContext(ctx context.Context, id string) (models.Context, error) {
	var out models.Context
	err := c.do(ctx, http.MethodGet, "/v1/contexts/"+id, nil, &out)
	return out, err
}

// DeleteContext removes a persisted browser profile.
func (c *Client) DeleteContext(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/contexts/"+id, nil, nil)
}

// Provisioner binds the client to one region, satisfying the pool's
// provisioning contract.
func (c *Client) Provisioner(region string) pool.Provisioner {
	return &regionProvisioner{c: c, region: region}
}

type regionProvisioner struct {
	c      *Client
	region string
}

func (p *regionProvisioner) CreateSession(ctx context.Context) (pool.ProvisionedSession, error) {
	ps, err := p.c.CreateSession(ctx, p.region)
	if err != nil {
		return pool.ProvisionedSession{}, err
	}
	return pool.ProvisionedSession{ID: ps.ID, ConnectURL: ps.ConnectURL}, nil
}

func (p *regionProvisioner) StopSession(ctx context.Context, id string) error {
	return p.c.StopSession(ctx, id)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Code: resp.StatusCode, Message: readError(resp.Body)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// readError pulls the {"error": "..."} payload the service sends with
// non-2xx statuses, falling back to the raw text.
func readError(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
