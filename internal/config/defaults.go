package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers runnable defaults for every key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "cadence")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Sessions --
	v.SetDefault("sessions.count", 1)
	v.SetDefault("sessions.max_actions", -1)
	v.SetDefault("sessions.delay_range.min", 2.0)
	v.SetDefault("sessions.delay_range.max", 5.0)
	v.SetDefault("sessions.max_consecutive_errors", 5)
	v.SetDefault("sessions.max_unexpected_states", 3)
	v.SetDefault("sessions.max_challenge_timeouts", 3)
	v.SetDefault("sessions.outcome_polls", 5)
	v.SetDefault("sessions.outcome_interval", time.Second)
	v.SetDefault("sessions.error_backoff.initial", 5*time.Second)
	v.SetDefault("sessions.error_backoff.max", 60*time.Second)
	v.SetDefault("sessions.error_backoff.multiplier", 2.0)
	v.SetDefault("sessions.login_timeout", 5*time.Minute)
	v.SetDefault("sessions.login_poll_interval", 3*time.Second)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})
	v.SetDefault("browser.languages", []string{"pt-BR", "pt", "en-US", "en"})
	v.SetDefault("browser.tab_stagger", 2*time.Second)
	v.SetDefault("browser.action_timeout", 15*time.Second)
	v.SetDefault("browser.humanoid.fitts_a", 80.0)
	v.SetDefault("browser.humanoid.fitts_b", 110.0)
	v.SetDefault("browser.humanoid.perlin_amplitude", 1.8)
	v.SetDefault("browser.humanoid.gaussian_strength", 0.6)
	v.SetDefault("browser.humanoid.click_hold_min_ms", 55)
	v.SetDefault("browser.humanoid.click_hold_max_ms", 140)
	v.SetDefault("browser.humanoid.pause_mean_ms", 220)
	v.SetDefault("browser.humanoid.pause_stddev_ms", 80)

	// -- Challenge --
	v.SetDefault("challenge.timeout_seconds", 300)
	v.SetDefault("challenge.poll_interval", 2*time.Second)
	v.SetDefault("challenge.acceptance_threshold", 0.6)
	v.SetDefault("challenge.max_auto_rounds", 2)
	v.SetDefault("challenge.grid_size", 9)
	v.SetDefault("challenge.settle_timeout", 5*time.Second)
	v.SetDefault("challenge.categories", map[string][]string{
		"mouse":      {"itens comumente usados", "mouse", "teclado", "computador", "keyboard", "computer"},
		"passarinho": {"criaturas que poderiam se abrigar", "pássaro", "passaro", "ave", "bird"},
	})

	// -- Locator --
	v.SetDefault("locator.label_timeout", 5*time.Second)
	v.SetDefault("locator.text_timeout", 3*time.Second)
	v.SetDefault("locator.path_timeout", 2*time.Second)
	v.SetDefault("locator.poll_interval", 250*time.Millisecond)

	// -- Actions --
	v.SetDefault("actions.primary.labels", []string{"{label}"})
	v.SetDefault("actions.primary.texts", []string{"{label}"})
	v.SetDefault("actions.primary.paths", []string{`xpath=//button[contains(., "{label}")]`})
	v.SetDefault("actions.again.labels", []string{"Votar novamente", "Vote again"})
	v.SetDefault("actions.again.texts", []string{"votar novamente", "vote again"})
	v.SetDefault("actions.again.paths", []string{`xpath=//button[contains(., "Votar") and contains(., "ovamente")]`})
	v.SetDefault("actions.checkbox.labels", []string{"humano", "human"})
	v.SetDefault("actions.checkbox.paths", []string{"#checkbox", `div[role="checkbox"]`, `[aria-checked="false"]`, `input[type="checkbox"]`})
	v.SetDefault("actions.submit.texts", []string{"verificar", "verify", "próximo", "next", "pular", "skip"})
	v.SetDefault("actions.submit.paths", []string{`button[class*="verify"]`, `[class*="verify-button"]`, `button[class*="submit"]`, `[class*="submit-button"]`, `button[type="submit"]`})

	// -- Markers --
	v.SetDefault("markers.challenge.selectors", []string{
		`iframe[title*="hCaptcha"]`,
		`iframe[src*="hcaptcha.com"]`,
		`iframe[data-hcaptcha-widget-id]`,
	})
	v.SetDefault("markers.challenge.solved_selectors", []string{`textarea[name="h-captcha-response"]`})
	v.SetDefault("markers.challenge.anchor_frames", []string{
		`iframe[src*="frame=checkbox"]`,
		`iframe[title*="checkbox"]`,
		`iframe[data-hcaptcha-widget-id]`,
	})
	v.SetDefault("markers.challenge.challenge_frames", []string{
		`iframe[src*="frame=challenge"]`,
		`iframe[title*="challenge"]`,
		`iframe[title*="desafio"]`,
	})
	v.SetDefault("markers.challenge.prompt_selectors", []string{".prompt-text", "h2.prompt-text", `[class*="prompt"]`})
	v.SetDefault("markers.challenge.cell_selectors", []string{
		".task-image .image",
		".task-image",
		".challenge-image",
		".grid-image",
		`[class*="challenge"] img`,
	})
	v.SetDefault("markers.challenge.grid_open_min_height", 200.0)
	v.SetDefault("markers.confirmation.selectors", []string{"h1", `[class*="success"]`, `[class*="Success"]`})
	v.SetDefault("markers.confirmation.texts", []string{"seu voto", "your vote"})
	v.SetDefault("markers.error.selectors", []string{
		`[class*="error"]`, `[class*="Error"]`, `[id*="error"]`, `[id*="Error"]`, "h1", "h2", "h3",
	})
	v.SetDefault("markers.error.keywords", []string{
		"algo deu errado",
		"erro na verificação",
		"votação encerrada",
		"parece que você está em mais de um dispositivo",
		"estamos com muitos acessos agora",
		"something went wrong",
	})
	v.SetDefault("markers.login.url_patterns", []string{
		"authx.globoid.globo.com",
		"accounts.google.com",
		"goidc.globo.com",
		"/login",
		"login-callback",
	})
	v.SetDefault("markers.login.keywords", []string{
		"fazer login",
		"entrar com conta globo",
		"escolha uma conta",
		"sign in with google",
		"use sua conta google",
		"prosseguir para globo.com",
	})

	// -- Detector --
	v.SetDefault("detector.slow_threshold", 3*time.Second)

	// -- Store --
	v.SetDefault("store.batch_size", 50)
	v.SetDefault("store.flush_interval", 2*time.Second)
}

// Default returns a Config built from SetDefaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}
