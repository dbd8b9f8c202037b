package challenge

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/browser/dom"
	"github.com/xkilldash9x/cadence-cli/internal/classifier"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/detector"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
)

const (
	challengeSrc = "https://newassets.hcaptcha.com/captcha/v1/static/hcaptcha.html#frame=challenge"
	confirmedDoc = `<html><body><h1>Seu voto foi computado</h1></body></html>`
	mousePrompt  = "Clique em cada imagem contendo um mouse"
)

var (
	red  = color.RGBA{230, 20, 20, 255}
	gray = color.RGBA{90, 90, 90, 255}
)

// -- Fixtures --

type fixture struct {
	page  *dom.Page
	frame *dom.Page
}

func pngOf(t testing.TB, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gridDoc(prompt string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><h2 class="prompt-text">%s</h2><div class="grid">`, prompt)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<div class="task-image" id="c%d" data-box="%d,%d,100,100"></div>`, i, (i%3)*100, (i/3)*100)
	}
	b.WriteString(`</div><button class="button-submit" data-box="200,320,90,30">Verificar</button></body></html>`)
	return b.String()
}

func challengePage(prompt string, cells int, frameHeight int) string {
	return fmt.Sprintf(`<html><body>
<button aria-label="Alice" data-box="0,0,100,40">Alice</button>
<iframe title="hCaptcha checkbox" data-box="0,50,300,80" srcdoc="%s"></iframe>
<iframe title="hCaptcha challenge" src="%s" data-box="0,150,400,%d" srcdoc="%s"></iframe>
</body></html>`,
		html.EscapeString(`<div id="checkbox" role="checkbox" aria-checked="false" data-box="10,10,28,28"></div>`),
		challengeSrc, frameHeight, html.EscapeString(gridDoc(prompt, cells)))
}

func frameOf(t testing.TB, p *dom.Page) *dom.Page {
	f, err := p.Frame(context.Background(), browser.ByCSS(`iframe[src*="frame=challenge"]`))
	require.NoError(t, err)
	return f.(*dom.Page)
}

// newFixture builds an open challenge whose cells carry the given colors.
// Clicking submit replaces the page with a confirmation.
func newFixture(t testing.TB, prompt string, cells []color.Color) *fixture {
	page := dom.MustNew("https://gshow.globo.com/realities/bbb/", challengePage(prompt, len(cells), 420))
	frame := frameOf(t, page)
	for i, c := range cells {
		frame.SetImage(fmt.Sprintf("c%d", i), pngOf(t, c))
	}
	frame.OnClick = func(_ *dom.Page, el browser.Element) {
		if strings.Contains(el.Text, "Verificar") {
			_ = page.SetHTML(confirmedDoc)
		}
	}
	return &fixture{page: page, frame: frame}
}

func grid(hit int) []color.Color {
	out := make([]color.Color, 9)
	for i := range out {
		out[i] = gray
	}
	if hit >= 0 {
		out[hit] = red
	}
	return out
}

// colorPredictor labels red images as mouse and everything else as other.
type colorPredictor struct{ confidence float64 }

func (p colorPredictor) PredictImage(img image.Image) (classifier.Prediction, error) {
	r, _, _, _ := img.At(0, 0).RGBA()
	if r > 0x8000 {
		return classifier.Prediction{Label: "mouse", Confidence: p.confidence}, nil
	}
	return classifier.Prediction{Label: "other", Confidence: p.confidence}, nil
}

type recordingHuman struct {
	mu       sync.Mutex
	requests []InterventionRequest
	releases []string
}

func (h *recordingHuman) Request(_ context.Context, req InterventionRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return nil
}

func (h *recordingHuman) Release(_ context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases = append(h.releases, id)
}

func (h *recordingHuman) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests), len(h.releases)
}

func testSettings() Settings {
	return Settings{
		Threshold:     0.6,
		Categories:    map[string][]string{"mouse": {"rato"}, "passarinho": {"bird"}},
		MaxAutoRounds: 2,
		PollInterval:  10 * time.Millisecond,
		ManualTimeout: 150 * time.Millisecond,
		SettleTimeout: 200 * time.Millisecond,
	}
}

func newResolver(t testing.TB, s Settings, model Predictor, human HumanInterventionChannel) *Resolver {
	cfg := config.Default()
	cfg.Target.Label = "Alice"
	cfg.Locator = config.LocatorConfig{
		LabelTimeout: 30 * time.Millisecond,
		TextTimeout:  30 * time.Millisecond,
		PathTimeout:  30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
	cfg.Challenge.SettleTimeout = 200 * time.Millisecond
	logger := zaptest.NewLogger(t)
	loc := locator.NewFromConfig(cfg.Locator, logger)
	return New(s, Deps{
		Extractor: NewExtractor(cfg, loc, logger),
		Locator:   loc,
		Detector:  detector.New(cfg, loc, logger),
		Model:     model,
		Human:     human,
		Submit:    locator.ActionFromConfig(cfg, config.ActionSubmit),
		Logger:    logger,
	})
}

// -- Tests --

func TestResolve_NoClassifierAwaitsManual(t *testing.T) {
	fx := newFixture(t, mousePrompt, grid(4))
	human := &recordingHuman{}
	r := newResolver(t, testSettings(), nil, human)

	var paused bool
	start := time.Now()
	out := r.Resolve(context.Background(), Request{SessionID: "s1", Page: fx.page, OnAwaitingManual: func() { paused = true }})
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, out.Final)
	assert.ErrorIs(t, out.Err, ErrChallengeTimeout)
	assert.True(t, out.Visited(AwaitingManual))
	assert.False(t, out.Visited(Classifying), "classification is skipped without a model")
	assert.True(t, out.Manual)
	assert.True(t, paused)
	assert.Empty(t, out.Clicked)
	assert.Empty(t, fx.frame.Clicks())

	req, rel := human.counts()
	assert.Equal(t, 1, req)
	assert.Equal(t, 1, rel)
	assert.Equal(t, ReasonNoClassifier, human.requests[0].Reason)
	assert.Equal(t, mousePrompt, human.requests[0].Prompt)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

// The manual wait ends Resolved when the operator clears the challenge before
// the timeout and TimedOut, at the timeout, when the challenge is still there.
func TestResolve_ManualWaitBoundary(t *testing.T) {
	const (
		timeout = 300 * time.Millisecond
		delta   = 100 * time.Millisecond
	)
	tests := []struct {
		name    string
		clearAt time.Duration
		want    State
	}{
		{"cleared just before the timeout", timeout - delta, Resolved},
		{"cleared just after the timeout", timeout + delta, TimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, mousePrompt, grid(4))
			s := testSettings()
			s.ManualTimeout = timeout
			r := newResolver(t, s, nil, &recordingHuman{})

			var waitStart time.Time
			var solve *time.Timer
			out := r.Resolve(context.Background(), Request{
				SessionID: "s1",
				Page:      fx.page,
				OnAwaitingManual: func() {
					waitStart = time.Now()
					solve = time.AfterFunc(tt.clearAt, func() { _ = fx.page.SetHTML(confirmedDoc) })
				},
			})
			waited := time.Since(waitStart)
			require.NotNil(t, solve)
			solve.Stop()

			assert.Equal(t, tt.want, out.Final)
			assert.Equal(t, AwaitingManual, out.Path[len(out.Path)-2])
			if tt.want == Resolved {
				assert.NoError(t, out.Err)
				assert.GreaterOrEqual(t, waited, tt.clearAt)
				assert.Less(t, waited, timeout)
				return
			}
			assert.ErrorIs(t, out.Err, ErrChallengeTimeout)
			assert.GreaterOrEqual(t, waited, timeout)
			assert.Less(t, waited, tt.clearAt)
		})
	}
}

func TestResolve_AutoClicksOnlyMatchingCell(t *testing.T) {
	fx := newFixture(t, mousePrompt, grid(4))
	human := &recordingHuman{}
	r := newResolver(t, testSettings(), colorPredictor{confidence: 0.9}, human)

	out := r.Resolve(context.Background(), Request{SessionID: "s1", Page: fx.page})

	require.NoError(t, out.Err)
	assert.Equal(t, Resolved, out.Final)
	assert.Equal(t, []State{Extracting, Classifying, AutoResolving, Resolved}, out.Path)
	assert.Equal(t, []int{4}, out.Clicked)
	assert.True(t, out.Submitted)
	assert.False(t, out.Manual)

	clicks := fx.frame.Clicks()
	require.Len(t, clicks, 2)
	assert.Equal(t, "c4", clicks[0].Attr("id"))
	assert.Contains(t, clicks[1].Text, "Verificar", "submit comes after the cell")

	req, _ := human.counts()
	assert.Zero(t, req)
}

func TestResolve_DeclinesAutomaticResolution(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		cells  []color.Color
		conf   float64
		reason string
	}{
		{"unknown prompt", "Clique em cada imagem contendo um barco", grid(4), 0.95, ReasonUnknownPrompt},
		{"low confidence", mousePrompt, grid(4), 0.59, ReasonLowConfidence},
		{"no matching cell", mousePrompt, grid(-1), 0.95, ReasonNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.prompt, tt.cells)
			human := &recordingHuman{}
			s := testSettings()
			s.ManualTimeout = 30 * time.Millisecond
			out := newResolver(t, s, colorPredictor{confidence: tt.conf}, human).
				Resolve(context.Background(), Request{SessionID: "s1", Page: fx.page})

			assert.Equal(t, TimedOut, out.Final)
			assert.True(t, out.Visited(Classifying))
			assert.False(t, out.Visited(AutoResolving))
			assert.Empty(t, fx.frame.Clicks())
			require.Len(t, human.requests, 1)
			assert.Equal(t, tt.reason, human.requests[0].Reason)
		})
	}
}

// Just below the threshold the resolver never clicks.
func TestResolve_ThresholdProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.Float64Range(0.05, 1).Draw(rt, "threshold")
		hit := rapid.IntRange(0, 8).Draw(rt, "hit")

		s := testSettings()
		s.Threshold = threshold
		s.ManualTimeout = time.Millisecond
		s.PollInterval = time.Millisecond

		fx := newFixture(t, mousePrompt, grid(hit))
		out := newResolver(t, s, colorPredictor{confidence: threshold - 1e-9}, nil).
			Resolve(context.Background(), Request{SessionID: "p", Page: fx.page})

		if len(fx.frame.Clicks()) != 0 || out.Visited(AutoResolving) {
			rt.Fatalf("clicked below threshold %v: %+v", threshold, out)
		}
	})
}

func TestResolve_ManualResolvesWithinOnePollInterval(t *testing.T) {
	fx := newFixture(t, mousePrompt, grid(4))
	s := testSettings()
	s.PollInterval = 50 * time.Millisecond
	s.ManualTimeout = 5 * time.Second
	r := newResolver(t, s, nil, &recordingHuman{})

	solvedAt := make(chan time.Time, 1)
	go func() {
		time.Sleep(120 * time.Millisecond)
		_ = fx.page.SetHTML(confirmedDoc)
		solvedAt <- time.Now()
	}()

	out := r.Resolve(context.Background(), Request{SessionID: "s1", Page: fx.page})
	done := time.Now()

	require.NoError(t, out.Err)
	assert.Equal(t, Resolved, out.Final)
	assert.LessOrEqual(t, done.Sub(<-solvedAt), s.PollInterval+40*time.Millisecond)
}

func TestResolve_ShutdownInterruptsManualWait(t *testing.T) {
	fx := newFixture(t, mousePrompt, grid(4))
	s := testSettings()
	s.PollInterval = time.Second
	s.ManualTimeout = time.Minute
	human := &recordingHuman{}
	r := newResolver(t, s, nil, human)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	out := r.Resolve(ctx, Request{SessionID: "s1", Page: fx.page})
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, AwaitingManual, out.Final)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, rel := human.counts()
	assert.Equal(t, 1, rel, "the operator is always released")
}

func TestResolve_OpensGridFromCheckbox(t *testing.T) {
	page := dom.MustNew("", challengePage(mousePrompt, 9, 0))
	anchor, err := page.Frame(context.Background(), browser.ByCSS(`iframe[title*="checkbox"]`))
	require.NoError(t, err)

	var frame *dom.Page
	anchor.(*dom.Page).OnClick = func(_ *dom.Page, el browser.Element) {
		_ = page.SetHTML(challengePage(mousePrompt, 9, 420))
		frame = frameOf(t, page)
		for i, c := range grid(2) {
			frame.SetImage(fmt.Sprintf("c%d", i), pngOf(t, c))
		}
		frame.OnClick = func(_ *dom.Page, el browser.Element) {
			if strings.Contains(el.Text, "Verificar") {
				_ = page.SetHTML(confirmedDoc)
			}
		}
	}

	out := newResolver(t, testSettings(), colorPredictor{confidence: 0.9}, nil).
		Resolve(context.Background(), Request{SessionID: "s1", Page: page})
	require.NoError(t, out.Err)
	assert.Equal(t, Resolved, out.Final)
	assert.Equal(t, []int{2}, out.Clicked)
	assert.Len(t, anchor.(*dom.Page).Clicks(), 1)
}

func TestInstanceGridPositions(t *testing.T) {
	fx := newFixture(t, mousePrompt, grid(0))
	cfg := config.Default()
	cfg.Target.Label = "Alice"
	logger := zaptest.NewLogger(t)
	inst, err := NewExtractor(cfg, locator.NewFromConfig(cfg.Locator, logger), logger).Extract(context.Background(), fx.page)
	require.NoError(t, err)

	pos := inst.GridPositions()
	require.Len(t, pos, 9)
	assert.Equal(t, browser.Rect{X: 100, Y: 100, Width: 100, Height: 100}, pos[4])
	assert.Equal(t, mousePrompt, inst.Prompt)
}

func TestExtract_IncompleteGrid(t *testing.T) {
	fx := newFixture(t, mousePrompt, grid(0)[:5])
	cfg := config.Default()
	logger := zaptest.NewLogger(t)
	_, err := NewExtractor(cfg, locator.NewFromConfig(cfg.Locator, logger), logger).Extract(context.Background(), fx.page)
	assert.ErrorIs(t, err, ErrIncompleteGrid)
}

func TestCategoryFor(t *testing.T) {
	cats := map[string][]string{"mouse": {"rato"}, "passarinho": {"pássaro", "bird"}}
	tests := map[string]string{
		"Clique em cada imagem contendo um MOUSE": "mouse",
		"Please click each image containing a bird": "passarinho",
		"Selecione o pássaro":                       "passarinho",
		"Clique no rato":                            "mouse",
	}
	for prompt, want := range tests {
		got, ok := CategoryFor(prompt, cats)
		assert.True(t, ok, prompt)
		assert.Equal(t, want, got, prompt)
	}
	_, ok := CategoryFor("Clique nos barcos", cats)
	assert.False(t, ok)
	_, ok = CategoryFor("", cats)
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_manual", AwaitingManual.String())
	assert.Equal(t, "state(99)", State(99).String())
}
