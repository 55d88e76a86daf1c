package extraction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/catalog"
	"github.com/room4-2/bookingline/conversation"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultHistoryWindow = 3

	fallbackApology = "Sorry, I didn't quite catch that."
)

// Model is the text generation capability: one instruction, one message, free text back.
type Model interface {
	Generate(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// ModelFunc adapts a plain function to Model.
type ModelFunc func(ctx context.Context, systemPrompt, userMessage string) (string, error)

func (f ModelFunc) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	return f(ctx, systemPrompt, userMessage)
}

// Adapter turns an utterance into a structured result for a single field.
// It never returns an error: failures become a fallback result.
type Adapter struct {
	model   Model
	catalog *catalog.Catalog
	timeout time.Duration
	window  int
}

type Option func(*Adapter)

// WithTimeout bounds every model call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithHistoryWindow sets how many history entries are sent as context.
func WithHistoryWindow(n int) Option {
	return func(a *Adapter) {
		if n >= 0 {
			a.window = n
		}
	}
}

// WithCatalog sets the business catalog embedded in the instructions.
func WithCatalog(c *catalog.Catalog) Option {
	return func(a *Adapter) {
		if c != nil {
			a.catalog = c
		}
	}
}

func NewAdapter(model Model, opts ...Option) *Adapter {
	a := &Adapter{
		model:   model,
		catalog: catalog.Default(),
		timeout: DefaultTimeout,
		window:  DefaultHistoryWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Extract issues exactly one model call for field f. history should not
// include the utterance itself; only the trailing window is sent.
func (a *Adapter) Extract(ctx context.Context, f conversation.Field, history []conversation.Entry, utterance string) *conversation.Extraction {
	if len(history) > a.window {
		history = history[len(history)-a.window:]
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.model.Generate(callCtx, SystemPrompt(f, a.catalog), UserMessage(history, utterance))
	if err != nil {
		reason := "model call failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("model call timed out after %s", a.timeout)
		}
		log.Warn().Err(err).Str("field", string(f)).Msg("extraction: model call failed")
		return Fallback(f, reason)
	}

	result, err := Parse(f, raw)
	if err != nil {
		log.Warn().Err(err).Str("field", string(f)).Str("raw", truncate(raw, 200)).Msg("extraction: unparseable model output")
		return Fallback(f, "unparseable model output: "+err.Error())
	}
	log.Debug().Str("field", string(f)).Bool("info_complete", result.InfoComplete).Str("analysis", result.Analysis).Msg("extraction: parsed")
	return result
}

// Fallback is the safe result returned whenever extraction could not run.
func Fallback(f conversation.Field, analysis string) *conversation.Extraction {
	return &conversation.Extraction{
		Response:      fallbackApology + " " + Question(f),
		InfoExtracted: map[conversation.Field]*string{f: nil},
		InfoComplete:  false,
		Analysis:      analysis,
	}
}

type rawResult struct {
	Response      *string        `json:"response"`
	InfoExtracted map[string]any `json:"info_extracted"`
	InfoComplete  bool           `json:"info_complete"`
	Analysis      string         `json:"analysis"`
}

// Parse reads the model reply for field f. Surrounding code fences or prose
// are tolerated; a missing response or info_extracted object is not.
func Parse(f conversation.Field, raw string) (*conversation.Extraction, error) {
	body, err := jsonObject(raw)
	if err != nil {
		return nil, err
	}
	var rr rawResult
	if err := sonic.UnmarshalString(body, &rr); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if rr.Response == nil || strings.TrimSpace(*rr.Response) == "" {
		return nil, errors.New("result has no response text")
	}
	if rr.InfoExtracted == nil {
		return nil, errors.New("result has no info_extracted object")
	}

	value, err := scalar(rr.InfoExtracted[string(f)])
	if err != nil {
		return nil, fmt.Errorf("info_extracted.%s: %w", f, err)
	}
	return &conversation.Extraction{
		Response:      strings.TrimSpace(*rr.Response),
		InfoExtracted: map[conversation.Field]*string{f: value},
		InfoComplete:  rr.InfoComplete,
		Analysis:      rr.Analysis,
	}, nil
}

func jsonObject(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", errors.New("no JSON object in model output")
	}
	return s[start : end+1], nil
}

func scalar(v any) (*string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		t = strings.TrimSpace(t)
		if t == "" || strings.EqualFold(t, "null") {
			return nil, nil
		}
		return &t, nil
	case float64:
		s := strconv.FormatFloat(t, 'f', -1, 64)
		return &s, nil
	case bool:
		return nil, fmt.Errorf("unexpected boolean %v", t)
	default:
		return nil, fmt.Errorf("unexpected value of type %T", v)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
