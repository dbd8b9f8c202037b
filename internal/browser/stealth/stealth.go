// Package stealth hides the most common automation fingerprints from the pages a tab loads.
package stealth

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// EvasionsJS is evaluated in every new document before page scripts run.
//
//go:embed evasions.js
var EvasionsJS string

// Persona is the identity a tab presents.
type Persona struct {
	UserAgent string   `json:"-"`
	Platform  string   `json:"platform,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// Script wraps EvasionsJS with the persona bound as `persona`.
func Script(p Persona) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return fmt.Sprintf("(function(persona){\n%s\n})(%s);", EvasionsJS, data), nil
}

// Apply returns the actions that install the persona on a tab. Run it before
// the first navigation.
func Apply(p Persona, logger *zap.Logger) chromedp.Action {
	if logger == nil {
		logger = zap.NewNop()
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if p.UserAgent != "" {
			override := emulation.SetUserAgentOverride(p.UserAgent)
			if len(p.Languages) > 0 {
				override = override.WithAcceptLanguage(strings.Join(p.Languages, ","))
			}
			if p.Platform != "" {
				override = override.WithPlatform(p.Platform)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("failed to override user agent: %w", err)
			}
		}

		if strings.TrimSpace(EvasionsJS) == "" {
			return nil
		}
		script, err := Script(p)
		if err != nil {
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("failed to install evasions: %w", err)
		}
		logger.Debug("Stealth evasions installed.", zap.Int("languages", len(p.Languages)))
		return nil
	})
}
