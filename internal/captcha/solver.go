// Package captcha reads registry CAPTCHA images with a vision model.
package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultModel is the vision model used when none is configured.
	DefaultModel = "gpt-4o-mini"
	// DefaultTimeout bounds one solve call.
	DefaultTimeout = 30 * time.Second

	prompt = "What is the code in the captcha-like image? Answer with the code only."
)

var (
	// ErrAPIKeyNotSet is returned when the solver has no credentials.
	ErrAPIKeyNotSet = errors.New("captcha solver api key not set")
	// ErrNoCode is returned when the model's answer holds no usable code.
	ErrNoCode = errors.New("no captcha code in answer")

	codePattern   = regexp.MustCompile(`[A-Z0-9]{6}`)
	boldPattern   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	digitsPattern = regexp.MustCompile(`^\d+$`)
)

// Config controls the OpenAI-backed solver.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// RPS caps solve calls per second across all workers. Zero disables it.
	RPS        float64
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Solver implements tracker.CaptchaSolver with the OpenAI chat completions API.
type Solver struct {
	client  openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a Solver.
func New(cfg Config, logger *zap.Logger) (*Solver, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &Solver{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Solve returns the code shown in image.
func (s *Solver) Solve(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("captcha image is empty")
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for solver slot: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL(image),
				}),
				openai.TextContentPart(prompt),
			}),
		},
		Temperature: openai.Float(0.2),
	}
	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("captcha completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("captcha completion returned no choices")
	}
	answer := completion.Choices[0].Message.Content
	code, ok := ParseCode(answer)
	if !ok {
		s.logger.Debug("captcha answer unusable", zap.String("answer", answer))
		return "", ErrNoCode
	}
	return code, nil
}

// ParseCode pulls the code out of a free-text answer: the last run of six
// uppercase letters or digits, else an all-digit **bold** span.
func ParseCode(answer string) (string, bool) {
	if matches := codePattern.FindAllString(answer, -1); len(matches) > 0 {
		return matches[len(matches)-1], true
	}
	if m := boldPattern.FindStringSubmatch(answer); m != nil {
		code := strings.TrimSpace(m[1])
		if digitsPattern.MatchString(code) {
			return code, true
		}
	}
	return "", false
}

func dataURL(image []byte) string {
	return "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
}
