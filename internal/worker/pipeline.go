package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/metrics"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// DefaultMaxCaptchaAttempts bounds CAPTCHA submissions per unit.
const DefaultMaxCaptchaAttempts = 5

// Limiter gates outbound requests to the upstream site.
type Limiter interface {
	Wait(ctx context.Context, key string, maxWait time.Duration) error
}

// DiagnosticSink keeps raw evidence of failed units.
type DiagnosticSink interface {
	Save(ctx context.Context, page tracker.Page, reason string) (string, error)
	SaveFailure(ctx context.Context, failure tracker.FailureRecord) (string, error)
}

// PipelineConfig controls unit processing.
//   - MaxCaptchaAttempts: answers submitted before giving up (default 5).
//   - MaxWait: longest outbound rate-limit wait before the unit fails.
//   - LimiterKey: outbound limiter key, normally the upstream host.
//   - Topic: notification topic for refreshed records; empty disables publishing.
type PipelineConfig struct {
	MaxCaptchaAttempts int
	MaxWait            time.Duration
	LimiterKey         string
	Topic              string
}

// Pipeline runs one unit through dedup, rate limiting, scraping with the
// CAPTCHA loop, parsing and persistence.
type Pipeline struct {
	store       tracker.RecordStore
	scraper     tracker.Scraper
	solver      tracker.CaptchaSolver
	parser      tracker.Parser
	limiter     Limiter
	diagnostics DiagnosticSink
	publisher   tracker.Publisher
	clock       tracker.Clock
	cfg         PipelineConfig
	tracer      trace.Tracer
	logger      *zap.Logger
}

// PipelineDeps groups the collaborators a Pipeline needs. Diagnostics and
// Publisher are optional.
type PipelineDeps struct {
	Store       tracker.RecordStore
	Scraper     tracker.Scraper
	Solver      tracker.CaptchaSolver
	Parser      tracker.Parser
	Limiter     Limiter
	Diagnostics DiagnosticSink
	Publisher   tracker.Publisher
	Clock       tracker.Clock
}

// NewPipeline constructs a Pipeline.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if cfg.MaxCaptchaAttempts <= 0 {
		cfg.MaxCaptchaAttempts = DefaultMaxCaptchaAttempts
	}
	if cfg.LimiterKey == "" {
		cfg.LimiterKey = "upstream"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:       deps.Store,
		scraper:     deps.Scraper,
		solver:      deps.Solver,
		parser:      deps.Parser,
		limiter:     deps.Limiter,
		diagnostics: deps.Diagnostics,
		publisher:   deps.Publisher,
		clock:       deps.Clock,
		cfg:         cfg,
		tracer:      otel.Tracer("github.com/JakeFAU/tm-status-tracker/internal/worker"),
		logger:      logger,
	}
}

// Process handles one unit and returns exactly one outcome. A non-nil error
// means the job cannot continue: it wraps tracker.ErrInfrastructure or the
// context's error.
func (p *Pipeline) Process(ctx context.Context, jobID string, unit tracker.Unit) (tracker.Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "worker.unit", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("unit.target", unit.Target.String()),
		attribute.Bool("unit.skip_duplicates", unit.SkipDuplicates),
	))
	defer span.End()

	outcome, err := p.process(ctx, jobID, unit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return tracker.Outcome{}, err
	}
	span.SetAttributes(attribute.String("unit.outcome", string(outcome.Kind)))
	if outcome.Reason != "" {
		span.SetAttributes(attribute.String("unit.reason", outcome.Reason))
	}
	metrics.ObserveUnit(string(outcome.Kind), outcome.Reason)
	return outcome, nil
}

func (p *Pipeline) process(ctx context.Context, jobID string, unit tracker.Unit) (tracker.Outcome, error) {
	logger := p.logger.With(zap.String("job_id", jobID), zap.String("target", unit.Target.String()))

	previous, found, err := p.latest(ctx, unit.Target)
	if err != nil {
		return tracker.Outcome{}, err
	}
	if unit.SkipDuplicates && found && p.fresh(previous, unit.Staleness) {
		logger.Debug("unit skipped, snapshot is fresh", zap.Time("last_seen", previous.Timestamp))
		return tracker.Outcome{Kind: tracker.OutcomeSkipped}, nil
	}

	page, err := p.scrape(ctx, unit.Target)
	if err != nil {
		return p.fail(ctx, logger, unit.Target, err)
	}

	snapshot, err := p.parser.Parse(*page)
	if err != nil {
		if p.diagnostics != nil {
			uri, saveErr := p.diagnostics.Save(ctx, *page, tracker.ReasonParseError)
			if saveErr != nil {
				logger.Warn("diagnostic page not saved", zap.Error(saveErr))
			}
			if uri != "" {
				err = fmt.Errorf("%w (raw page %s)", err, uri)
			}
		}
		return p.fail(ctx, logger, unit.Target, tracker.NewUnitError(tracker.ReasonParseError, err))
	}
	snapshot.Timestamp = p.clock.Now()

	if err := p.store.AppendSnapshot(ctx, snapshot); err != nil {
		return tracker.Outcome{}, fmt.Errorf("%w: append snapshot %s: %v", tracker.ErrInfrastructure, snapshot.Key, err)
	}
	p.notify(ctx, logger, jobID, snapshot, previous, found)
	logger.Info("record refreshed", zap.String("key", snapshot.Key), zap.String("status", snapshot.Status))
	return tracker.Outcome{Kind: tracker.OutcomeSuccess, Snapshot: &snapshot}, nil
}

func (p *Pipeline) latest(ctx context.Context, target tracker.Target) (tracker.Snapshot, bool, error) {
	snapshot, err := p.store.Latest(ctx, target)
	switch {
	case err == nil:
		return snapshot, true, nil
	case errors.Is(err, tracker.ErrNotFound):
		return tracker.Snapshot{}, false, nil
	case ctx.Err() != nil:
		return tracker.Snapshot{}, false, fmt.Errorf("lookup latest snapshot: %w", ctx.Err())
	default:
		return tracker.Snapshot{}, false, fmt.Errorf("%w: lookup latest snapshot: %v", tracker.ErrInfrastructure, err)
	}
}

func (p *Pipeline) fresh(snapshot tracker.Snapshot, staleness time.Duration) bool {
	if staleness <= 0 {
		return false
	}
	return snapshot.Timestamp.After(p.clock.Now().Add(-staleness))
}

// scrape fetches the status page, answering CAPTCHAs until the site serves
// the page or the attempt budget runs out. A challenge the site already
// rejected is never answered again; a fresh one is fetched instead.
func (p *Pipeline) scrape(ctx context.Context, target tracker.Target) (*tracker.Page, error) {
	result, err := p.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	var (
		attempt       int
		lastChallenge string
		lastReason    string
	)
	for {
		if result.Page != nil {
			return result.Page, nil
		}
		if result.Challenge == nil {
			return nil, tracker.NewUnitError(tracker.ReasonScrapeError,
				fmt.Errorf("site returned neither page nor challenge: %s", result.Reason))
		}
		challenge := *result.Challenge
		if lastChallenge != "" && challenge.ID == lastChallenge {
			if result, err = p.fetch(ctx, target); err != nil {
				return nil, err
			}
			if result.Challenge != nil && result.Challenge.ID == lastChallenge {
				return nil, tracker.NewUnitError(tracker.ReasonScrapeError,
					fmt.Errorf("site keeps serving rejected challenge %s", lastChallenge))
			}
			continue
		}
		if attempt >= p.cfg.MaxCaptchaAttempts {
			return nil, tracker.NewUnitError(tracker.ReasonCaptchaExhausted,
				fmt.Errorf("%d attempts, last: %s", attempt, lastReason))
		}
		attempt++

		answer, err := p.solver.Solve(ctx, challenge.Image)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("solve captcha: %w", ctx.Err())
			}
			metrics.ObserveCaptchaAttempt("error")
			lastChallenge, lastReason = challenge.ID, err.Error()
			if result, err = p.fetch(ctx, target); err != nil {
				return nil, err
			}
			continue
		}

		if result, err = p.submit(ctx, challenge, answer); err != nil {
			return nil, err
		}
		if result.Rejected {
			metrics.ObserveCaptchaAttempt("rejected")
			lastChallenge, lastReason = challenge.ID, result.Reason
			if lastReason == "" {
				lastReason = "captcha rejected"
			}
			if result.Challenge == nil {
				if result, err = p.fetch(ctx, target); err != nil {
					return nil, err
				}
			}
			continue
		}
		metrics.ObserveCaptchaAttempt("accepted")
	}
}

func (p *Pipeline) fetch(ctx context.Context, target tracker.Target) (tracker.FetchResult, error) {
	if err := p.wait(ctx); err != nil {
		return tracker.FetchResult{}, err
	}
	start := time.Now()
	result, err := p.scraper.FetchStatus(ctx, target)
	metrics.ObserveScrape("fetch", time.Since(start))
	if err != nil {
		return tracker.FetchResult{}, p.upstreamError(ctx, "fetch status", err)
	}
	return result, nil
}

func (p *Pipeline) submit(ctx context.Context, challenge tracker.Challenge, answer string) (tracker.FetchResult, error) {
	if err := p.wait(ctx); err != nil {
		return tracker.FetchResult{}, err
	}
	start := time.Now()
	result, err := p.scraper.SubmitCaptcha(ctx, challenge, answer)
	metrics.ObserveScrape("submit", time.Since(start))
	if err != nil {
		return tracker.FetchResult{}, p.upstreamError(ctx, "submit captcha", err)
	}
	return result, nil
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	err := p.limiter.Wait(ctx, p.cfg.LimiterKey, p.cfg.MaxWait)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tracker.ErrRateLimited):
		return tracker.NewUnitError(tracker.ReasonRateLimited, err)
	default:
		return fmt.Errorf("outbound rate limit: %w", err)
	}
}

func (p *Pipeline) upstreamError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return tracker.NewUnitError(tracker.ReasonScrapeError, fmt.Errorf("%s: %w", op, err))
}

// fail records a unit failure. Errors that are not unit errors pass through
// unchanged so the runner can stop the job.
func (p *Pipeline) fail(ctx context.Context, logger *zap.Logger, target tracker.Target, err error) (tracker.Outcome, error) {
	var unitErr *tracker.UnitError
	if !errors.As(err, &unitErr) {
		return tracker.Outcome{}, err
	}
	failure := tracker.FailureRecord{
		Key:       target.Key,
		Name:      target.Name,
		Category:  target.Category,
		Reason:    unitErr.Reason,
		Detail:    err.Error(),
		Timestamp: p.clock.Now(),
	}
	if err := p.store.AppendFailure(ctx, failure); err != nil {
		return tracker.Outcome{}, fmt.Errorf("%w: append failure: %v", tracker.ErrInfrastructure, err)
	}
	if p.diagnostics != nil {
		if _, err := p.diagnostics.SaveFailure(ctx, failure); err != nil {
			logger.Warn("diagnostic failure record not saved", zap.Error(err))
		}
	}
	logger.Warn("unit failed", zap.String("reason", unitErr.Reason), zap.Error(err))
	return tracker.Outcome{Kind: tracker.OutcomeFailed, Reason: unitErr.Reason}, nil
}

func (p *Pipeline) notify(
	ctx context.Context,
	logger *zap.Logger,
	jobID string,
	snapshot tracker.Snapshot,
	previous tracker.Snapshot,
	hadPrevious bool,
) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	note := tracker.RecordNotification{
		JobID:     jobID,
		Key:       snapshot.Key,
		Name:      snapshot.Name,
		Category:  snapshot.Category,
		Status:    snapshot.Status,
		Changed:   !hadPrevious || previous.Status != snapshot.Status,
		Timestamp: snapshot.Timestamp,
	}
	if hadPrevious {
		note.PreviousStatus = previous.Status
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, note); err != nil {
		logger.Warn("record notification not published", zap.String("key", snapshot.Key), zap.Error(err))
	}
}
