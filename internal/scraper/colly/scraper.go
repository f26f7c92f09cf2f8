// Package collyscraper implements tracker.Scraper with gocolly by posting the
// registry's ASP.NET search forms directly.
package collyscraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/scraper"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Forms         scraper.Forms
	SessionTTL    time.Duration
}

// Scraper implements tracker.Scraper. Each lookup gets its own collector so
// cookies never leak between targets.
type Scraper struct {
	cfg       Config
	transport http.RoundTripper
	sessions  *scraper.Sessions[*session]
	logger    *zap.Logger
}

// session is one cookie-scoped conversation with the site.
type session struct {
	mu        sync.Mutex
	collector *colly.Collector
	form      scraper.Form
	target    tracker.Target
	resp      *colly.Response
	respErr   error
	page      scraper.Inspection
	pageURL   string
}

// New builds a Scraper.
func New(cfg Config, logger *zap.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
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
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = &robotsTransport{base: transport, logger: logger}
	}
	return &Scraper{
		cfg:       cfg,
		transport: transport,
		sessions:  scraper.NewSessions[*session](cfg.SessionTTL, nil),
		logger:    logger,
	}
}

// FetchStatus opens the search form for target and either returns the result
// page or the CAPTCHA that guards it.
func (s *Scraper) FetchStatus(ctx context.Context, target tracker.Target) (tracker.FetchResult, error) {
	if n := s.sessions.Sweep(); n > 0 {
		s.logger.Debug("expired captcha sessions dropped", zap.Int("count", n))
	}
	sess := s.newSession(target)
	if err := sess.visit(ctx, sess.form.URL); err != nil {
		return tracker.FetchResult{}, err
	}
	return s.advance(ctx, sess, false)
}

// SubmitCaptcha posts answer on the session that served challenge.
func (s *Scraper) SubmitCaptcha(ctx context.Context, challenge tracker.Challenge, answer string) (tracker.FetchResult, error) {
	sess, ok := s.sessions.Take(challenge.ID)
	if !ok {
		return tracker.FetchResult{}, fmt.Errorf("captcha session %s expired or unknown", challenge.ID)
	}
	if err := sess.submit(ctx, answer); err != nil {
		return tracker.FetchResult{}, err
	}
	return s.advance(ctx, sess, true)
}

// advance inspects the last response and decides what the caller sees next.
func (s *Scraper) advance(ctx context.Context, sess *session, submitted bool) (tracker.FetchResult, error) {
	if err := sess.inspect(); err != nil {
		return tracker.FetchResult{}, err
	}
	if sess.page.HasResult {
		if sess.form.DetailSelector != "" && !sess.page.HasDetail && sess.page.Postback != nil {
			if err := sess.postback(ctx, *sess.page.Postback); err != nil {
				return tracker.FetchResult{}, err
			}
		}
		return tracker.FetchResult{Page: sess.asPage()}, nil
	}
	if sess.page.CaptchaSrc != "" {
		challenge, err := sess.challenge(ctx)
		if err != nil {
			return tracker.FetchResult{}, err
		}
		s.sessions.Put(challenge.ID, sess)
		result := tracker.FetchResult{Challenge: &challenge, Rejected: submitted}
		if submitted {
			result.Reason = "captcha rejected"
		}
		return result, nil
	}
	if !submitted {
		// No CAPTCHA on the form: search straight away.
		if err := sess.submit(ctx, ""); err != nil {
			return tracker.FetchResult{}, err
		}
		return s.advance(ctx, sess, true)
	}
	return tracker.FetchResult{}, fmt.Errorf("unexpected page from %s: no result and no captcha", sess.pageURL)
}

func (s *Scraper) newSession(target tracker.Target) *session {
	collector := colly.NewCollector(colly.AllowURLRevisit())
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)
	collector.WithTransport(s.transport)

	sess := &session{
		collector: collector,
		form:      s.cfg.Forms.For(target),
		target:    target,
	}
	sess.configureHooks(collector)
	return sess
}

func (sess *session) configureHooks(c *colly.Collector) {
	c.OnResponse(func(r *colly.Response) {
		sess.resp = r
	})
	c.OnError(func(r *colly.Response, err error) {
		sess.resp = r
		sess.respErr = err
	})
}

func (sess *session) visit(ctx context.Context, target string) error {
	return sess.run(ctx, func() error { return sess.collector.Visit(target) })
}

func (sess *session) submit(ctx context.Context, answer string) error {
	action := sess.page.Action
	if action == "" {
		action = sess.form.URL
	}
	values := sess.form.Values(sess.page.Hidden, sess.target, answer)
	return sess.run(ctx, func() error { return sess.collector.Post(action, scraper.Flatten(values)) })
}

func (sess *session) postback(ctx context.Context, pb scraper.Postback) error {
	values := url.Values{}
	for k, v := range sess.page.Hidden {
		values[k] = v
	}
	values.Set("__EVENTTARGET", pb.Target)
	values.Set("__EVENTARGUMENT", pb.Argument)
	action := sess.page.Action
	if err := sess.run(ctx, func() error { return sess.collector.Post(action, scraper.Flatten(values)) }); err != nil {
		return err
	}
	return sess.inspect()
}

// run executes one blocking collector call, giving up when ctx ends.
func (sess *session) run(ctx context.Context, call func() error) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.resp, sess.respErr = nil, nil

	done := make(chan error, 1)
	go func() {
		done <- call()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		if sess.respErr != nil {
			return fmt.Errorf("colly response failed: %w", sess.respErr)
		}
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if sess.resp == nil {
			return fmt.Errorf("colly request returned no response")
		}
		return nil
	}
}

func (sess *session) inspect() error {
	if sess.resp == nil {
		return fmt.Errorf("no response to inspect")
	}
	sess.pageURL = sess.resp.Request.URL.String()
	page, err := scraper.Inspect(sess.resp.Body, sess.pageURL, sess.form)
	if err != nil {
		return err
	}
	sess.page = page
	return nil
}

func (sess *session) challenge(ctx context.Context) (tracker.Challenge, error) {
	src := sess.page.CaptchaSrc
	image, contentType, ok := scraper.DecodeDataURI(src)
	if !ok {
		// Fetching the image moves the collector's last response, so keep the
		// form page around for the submit that follows.
		formResp, formPage, formURL := sess.resp, sess.page, sess.pageURL
		if err := sess.visit(ctx, scraper.Resolve(formURL, src)); err != nil {
			return tracker.Challenge{}, fmt.Errorf("fetch captcha image: %w", err)
		}
		image = append([]byte(nil), sess.resp.Body...)
		contentType = sess.resp.Headers.Get("Content-Type")
		sess.resp, sess.page, sess.pageURL = formResp, formPage, formURL
	}
	if len(image) == 0 {
		return tracker.Challenge{}, fmt.Errorf("captcha image at %s is empty", src)
	}
	return tracker.Challenge{
		ID:          scraper.ChallengeID(image),
		Target:      sess.target,
		Image:       image,
		ContentType: contentType,
	}, nil
}

func (sess *session) asPage() *tracker.Page {
	contentType := ""
	if sess.resp.Headers != nil {
		contentType = sess.resp.Headers.Get("Content-Type")
	}
	return &tracker.Page{
		Target:      sess.target,
		URL:         sess.pageURL,
		ContentType: contentType,
		Body:        append([]byte(nil), sess.resp.Body...),
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
