package browser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/warmfleet/browserpool/internal/pool"
)

// Connector dials browsers over their CDP endpoints through a shared
// Playwright driver. One Connector serves every pool in the process.
type Connector struct {
	pw  *playwright.Playwright
	log *zap.Logger
}

var (
	_ pool.Connector          = (*Connector)(nil)
	_ pool.Conn               = (*Conn)(nil)
	_ pool.ContextOpener      = (*Conn)(nil)
	_ pool.DisconnectNotifier = (*Conn)(nil)
)

// NewConnector installs the Playwright driver if it is missing and starts
// it. Browser binaries are never downloaded: every browser this process
// talks to already runs elsewhere.
func NewConnector(log *zap.Logger) (*Connector, error) {
	opts := &playwright.RunOptions{
		SkipInstallBrowsers: true,
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("install playwright driver: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{pw: pw, log: log}, nil
}

// Connect attaches to the browser behind wsURL. A context deadline, when
// present, bounds the CDP handshake.
func (c *Connector) Connect(ctx context.Context, wsURL string) (pool.Conn, error) {
	opts := playwright.BrowserTypeConnectOverCDPOptions{}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = playwright.Float(float64(time.Until(deadline).Milliseconds()))
	}
	b, err := c.pw.Chromium.ConnectOverCDP(wsURL, opts)
	if err != nil {
		return nil, err
	}
	c.log.Debug("connected over cdp", zap.String("url", wsURL))
	return &Conn{browser: b}, nil
}

// Close stops the Playwright driver. Connections still open die with it, so
// shut pools down first.
func (c *Connector) Close() error {
	return c.pw.Stop()
}

// Conn adapts a playwright Browser to the pool's connection contract.
type Conn struct {
	browser playwright.Browser
}

// Browser exposes the underlying playwright handle for borrowers that need
// the full client API.
func (c *Conn) Browser() playwright.Browser { return c.browser }

func (c *Conn) IsConnected() bool { return c.browser.IsConnected() }

func (c *Conn) Close() error { return c.browser.Close() }

func (c *Conn) Contexts() []pool.BrowserContext {
	existing := c.browser.Contexts()
	out := make([]pool.BrowserContext, len(existing))
	for i, bc := range existing {
		out[i] = &browserContext{bc: bc}
	}
	return out
}

func (c *Conn) NewContext(_ context.Context) (pool.BrowserContext, error) {
	bc, err := c.browser.NewContext()
	if err != nil {
		return nil, err
	}
	return &browserContext{bc: bc}, nil
}

func (c *Conn) OnDisconnected(fn func()) {
	c.browser.OnDisconnected(func(playwright.Browser) { fn() })
}

type browserContext struct {
	bc playwright.BrowserContext
}

func (b *browserContext) NewPage(_ context.Context) (pool.Page, error) {
	pg, err := b.bc.NewPage()
	if err != nil {
		return nil, err
	}
	return &page{pg: pg}, nil
}

func (b *browserContext) Close() error { return b.bc.Close() }

type page struct {
	pg playwright.Page
}

func (p *page) Close() error { return p.pg.Close() }
