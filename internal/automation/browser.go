package automation

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/models"
)

// Connect launches (or attaches to) a browser per config and returns a
// connected rod client.
func Connect(cfg config.Config) (*rod.Browser, error) {
	l := launcher.New().Headless(cfg.BrowserHeadless)
	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return browser, nil
}

// InjectSession loads a captured credential bundle into a page before any
// navigation so the form opens already authenticated.
func InjectSession(page *rod.Page, bundle models.SessionBundle) error {
	params := make([]*proto.NetworkCookieParam, 0, len(bundle.Entries))
	for _, e := range bundle.Entries {
		p := &proto.NetworkCookieParam{
			Name:     e.Name,
			Value:    e.Value,
			Domain:   e.Domain,
			Path:     e.Path,
			HTTPOnly: e.HTTPOnly,
			Secure:   e.Secure,
		}
		if e.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(e.Expires)
		}
		params = append(params, p)
	}
	if err := page.SetCookies(params); err != nil {
		return fmt.Errorf("set session cookies: %w", err)
	}
	return nil
}
