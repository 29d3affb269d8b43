package download

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures a BrowserSession.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local headless Chrome.
	RemoteURL string
	// Bin overrides the Chrome binary used by the launcher.
	Bin string
	// Timeout bounds one verification. Default: 60s.
	Timeout time.Duration
	// ButtonSelector is clicked first. Default: #age-button-yes.
	ButtonSelector string
	Logger         *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ButtonSelector == "" {
		c.ButtonSelector = "#age-button-yes"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserSession passes age-verification pages in a headless, stealth
// Chrome and hands the resulting cookies to the HTTP fetcher. Chrome is
// launched on first use and kept until Close.
type BrowserSession struct {
	cfg     BrowserConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewBrowserSession creates a session. No browser is started yet.
func NewBrowserSession(cfg BrowserConfig) *BrowserSession {
	cfg.defaults()
	return &BrowserSession{cfg: cfg}
}

// Pass opens target, confirms the verification prompt if one is shown and
// returns the browser cookies for target.
func (s *BrowserSession) Pass(ctx context.Context, target string) ([]*http.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.ensure()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: stealth page: %w", err)
	}
	defer page.Close()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	p := page.Context(ctx)

	// Navigating straight to a PDF may abort once the gate is gone; the
	// cookies are what matter.
	if err := p.Navigate(target); err != nil {
		s.cfg.Logger.Debug("browser: navigate", "url", target, "error", err)
	}
	_ = p.WaitLoad()

	info, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("browser: page info: %w", err)
	}
	if strings.Contains(info.URL, "age-verify") {
		if err := s.confirm(p); err != nil {
			return nil, err
		}
		if err := p.WaitIdle(10 * time.Second); err != nil {
			s.cfg.Logger.Debug("browser: wait idle", "error", err)
		}
	}

	raw, err := b.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("browser: cookies: %w", err)
	}
	return convertCookies(raw), nil
}

// confirm clicks the configured button, or else the first button whose
// text contains "yes".
func (s *BrowserSession) confirm(p *rod.Page) error {
	has, el, err := p.Has(s.cfg.ButtonSelector)
	if err != nil {
		return fmt.Errorf("browser: find %s: %w", s.cfg.ButtonSelector, err)
	}
	if has {
		return click(el)
	}

	buttons, err := p.Elements("button")
	if err != nil {
		return fmt.Errorf("browser: list buttons: %w", err)
	}
	for _, btn := range buttons {
		text, err := btn.Text()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(text), "yes") {
			return click(btn)
		}
	}
	return fmt.Errorf("browser: no confirmation button on verification page")
}

func click(el *rod.Element) error {
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click: %w", err)
	}
	return nil
}

func (s *BrowserSession) ensure() (*rod.Browser, error) {
	if s.browser != nil {
		return s.browser, nil
	}

	wsURL := s.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		if s.cfg.Bin != "" {
			l = l.Bin(s.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		s.cfg.Logger.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	s.browser = b
	return b, nil
}

// Close shuts Chrome down.
func (s *BrowserSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Kill()
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return err
}

func convertCookies(raw []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if !c.Session && c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}
