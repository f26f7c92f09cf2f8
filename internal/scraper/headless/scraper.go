// Package headless implements tracker.Scraper by driving the registry's
// search forms in headless Chrome.
package headless

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/scraper"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Config controls the behavior of the headless scraper.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	Forms             scraper.Forms
	SessionTTL        time.Duration
}

// Scraper implements tracker.Scraper using chromedp. An open CAPTCHA keeps
// its browser tab alive until answered or expired.
type Scraper struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	sessions    *scraper.Sessions[*tab]
	logger      *zap.Logger
}

type tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	form    scraper.Form
	target  tracker.Target
	release func()
}

func (t *tab) close() {
	t.cancel()
	t.release()
}

// New creates a headless scraper backed by chromedp.
func New(cfg Config, logger *zap.Logger) (*Scraper, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.Forms.Key.URL == "" {
		cfg.Forms.Key = scraper.KeyForm("")
	}
	if cfg.Forms.Name.URL == "" {
		cfg.Forms.Name = scraper.NameForm("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Scraper{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		sessions:    scraper.NewSessions[*tab](cfg.SessionTTL, func(t *tab) { t.close() }),
		logger:      logger,
	}, nil
}

// Close shuts down the browser.
func (s *Scraper) Close() {
	s.allocCancel()
}

// FetchStatus opens the search form for target in a new tab and fills it.
func (s *Scraper) FetchStatus(ctx context.Context, target tracker.Target) (tracker.FetchResult, error) {
	s.sessions.Sweep()
	if err := s.acquire(ctx); err != nil {
		return tracker.FetchResult{}, err
	}
	tabCtx, tabCancel := chromedp.NewContext(s.allocator)
	t := &tab{ctx: tabCtx, cancel: tabCancel, form: s.cfg.Forms.For(target), target: target, release: s.release}
	// The first Run binds the tab to tabCtx rather than a per-step timeout.
	if err := chromedp.Run(tabCtx); err != nil {
		t.close()
		return tracker.FetchResult{}, fmt.Errorf("open tab: %w", err)
	}

	if err := s.runTab(ctx, t, s.openFormActions(t)...); err != nil {
		t.close()
		return tracker.FetchResult{}, err
	}
	return s.advance(ctx, t, false)
}

// SubmitCaptcha types answer into the tab that showed challenge and submits.
func (s *Scraper) SubmitCaptcha(ctx context.Context, challenge tracker.Challenge, answer string) (tracker.FetchResult, error) {
	t, ok := s.sessions.Take(challenge.ID)
	if !ok {
		return tracker.FetchResult{}, fmt.Errorf("captcha session %s expired or unknown", challenge.ID)
	}
	if err := s.runTab(ctx, t, s.submitActions(t, answer)...); err != nil {
		t.close()
		return tracker.FetchResult{}, err
	}
	return s.advance(ctx, t, true)
}

func (s *Scraper) advance(ctx context.Context, t *tab, submitted bool) (tracker.FetchResult, error) {
	html, location, insp, err := s.snapshot(ctx, t)
	if err != nil {
		t.close()
		return tracker.FetchResult{}, err
	}
	if insp.HasResult {
		if t.form.DetailSelector != "" && !insp.HasDetail && t.form.DetailLink != "" {
			if err := s.runTab(ctx, t,
				chromedp.Click(t.form.DetailLink, chromedp.ByQuery, chromedp.NodeVisible),
				chromedp.WaitVisible(t.form.DetailSelector, chromedp.ByQuery),
			); err != nil {
				t.close()
				return tracker.FetchResult{}, fmt.Errorf("open record details: %w", err)
			}
			if html, location, _, err = s.snapshot(ctx, t); err != nil {
				t.close()
				return tracker.FetchResult{}, err
			}
		}
		t.close()
		return tracker.FetchResult{Page: &tracker.Page{
			Target:      t.target,
			URL:         location,
			ContentType: "text/html; charset=utf-8",
			Body:        []byte(html),
		}}, nil
	}
	if insp.CaptchaSelector != "" {
		var image []byte
		if err := s.runTab(ctx, t, chromedp.Screenshot(insp.CaptchaSelector, &image, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
			t.close()
			return tracker.FetchResult{}, fmt.Errorf("capture captcha: %w", err)
		}
		challenge := tracker.Challenge{
			ID:          scraper.ChallengeID(image),
			Target:      t.target,
			Image:       image,
			ContentType: "image/png",
		}
		s.sessions.Put(challenge.ID, t)
		result := tracker.FetchResult{Challenge: &challenge, Rejected: submitted}
		if submitted {
			result.Reason = "captcha rejected"
		}
		return result, nil
	}
	if !submitted {
		if err := s.runTab(ctx, t, s.submitActions(t, "")...); err != nil {
			t.close()
			return tracker.FetchResult{}, err
		}
		return s.advance(ctx, t, true)
	}
	t.close()
	return tracker.FetchResult{}, fmt.Errorf("unexpected page at %s: no result and no captcha", location)
}

func (s *Scraper) snapshot(ctx context.Context, t *tab) (string, string, scraper.Inspection, error) {
	var html, location string
	if err := s.runTab(ctx, t,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", "", scraper.Inspection{}, err
	}
	insp, err := scraper.Inspect([]byte(html), location, t.form)
	if err != nil {
		return "", "", scraper.Inspection{}, err
	}
	return html, location, insp, nil
}

// runTab runs actions in the tab, bounded by the navigation timeout and by ctx.
func (s *Scraper) runTab(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("headless run canceled: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *Scraper) openFormActions(t *tab) []chromedp.Action {
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(t.form.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	}
	return append(actions, fillActions(t.form, t.target)...)
}

func (s *Scraper) submitActions(t *tab, answer string) []chromedp.Action {
	// ASP.NET clears the form after a rejected answer, so fields are refilled.
	actions := fillActions(t.form, t.target)
	if t.form.CaptchaField != "" {
		actions = append(actions, chromedp.SetValue(fieldSelector(t.form.CaptchaField), answer, chromedp.ByQuery))
	}
	return append(actions,
		chromedp.Click(fieldSelector(t.form.SubmitField), chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	)
}

func fillActions(form scraper.Form, target tracker.Target) []chromedp.Action {
	var actions []chromedp.Action
	for name, value := range form.Fixed {
		actions = append(actions, chromedp.Click(fieldSelector(name)+`[value=`+quote(value)+`]`, chromedp.ByQuery))
	}
	if target.ByKey() {
		actions = append(actions, chromedp.SetValue(fieldSelector(form.KeyField), strings.TrimSpace(target.Key), chromedp.ByQuery))
		return actions
	}
	return append(actions,
		chromedp.SetValue(fieldSelector(form.NameField), strings.TrimSpace(target.Name), chromedp.ByQuery),
		chromedp.SetValue(fieldSelector(form.CategoryField), strings.TrimSpace(target.Category), chromedp.ByQuery),
	)
}

func fieldSelector(name string) string {
	return `[name=` + quote(name) + `]`
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

func (s *Scraper) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Scraper) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *Scraper) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}
