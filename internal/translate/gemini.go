// Package translate backs the pipeline's translation stage with the Gemini
// API.
//
// A post fanned out to many destinations is translated once per target
// language: results are cached by text and target.
package translate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	logx "feedrelay/pkg/logx"
)

const (
	DefaultModel      = "gemini-2.5-flash-lite"
	defaultRatePerMin = 15
	defaultTimeout    = 20 * time.Second
	defaultCacheSize  = 512
)

const instruction = `Translate the user's message into the language with ISO 639-1 code %q.
Keep line breaks, URLs, @mentions, #hashtags and emoji exactly as they are.
Reply with the translation only.`

var ErrEmptyResponse = errors.New("translate: empty response")

type Config struct {
	APIKey     string
	Model      string
	RatePerMin int
	Timeout    time.Duration
	CacheSize  int
	// BaseURL overrides the API endpoint.
	BaseURL string
}

type cacheKey struct {
	sum    uint64
	size   int
	target string
}

type Gemini struct {
	cfg     Config
	log     logx.Logger
	client  *genai.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[cacheKey]string
	order []cacheKey
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("translate: api key is empty")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = defaultRatePerMin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}
	every := time.Minute / time.Duration(cfg.RatePerMin)
	return &Gemini{
		cfg:     cfg,
		log:     log.With(logx.Comp("translate"), logx.String("model", cfg.Model)),
		client:  client,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		cache:   make(map[cacheKey]string, cfg.CacheSize),
	}, nil
}

// Translate returns text in the target language. Errors leave the caller
// to fall back to the original text.
func (g *Gemini) Translate(ctx context.Context, text, target string) (string, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	key := keyFor(text, target)
	if out, ok := g.cached(key); ok {
		return out, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := g.client.Models.GenerateContent(cctx, g.cfg.Model, genai.Text(text), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: fmt.Sprintf(instruction, target)}}},
	})
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	out := strings.TrimSpace(responseText(res))
	if out == "" {
		return "", ErrEmptyResponse
	}
	g.log.Debug("translated",
		logx.String("target", target),
		logx.Int("in", len(text)),
		logx.Int("out", len(out)),
		logx.Duration("took", time.Since(start)))
	g.store(key, out)
	return out, nil
}

func responseText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range res.Candidates[0].Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func keyFor(text, target string) cacheKey {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return cacheKey{sum: h.Sum64(), size: len(text), target: target}
}

func (g *Gemini) cached(k cacheKey) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.cache[k]
	return out, ok
}

// store evicts the oldest entry once the cache is full.
func (g *Gemini) store(k cacheKey, out string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cache[k]; ok {
		return
	}
	if len(g.order) >= g.cfg.CacheSize {
		delete(g.cache, g.order[0])
		g.order = g.order[1:]
	}
	g.cache[k] = out
	g.order = append(g.order, k)
}
