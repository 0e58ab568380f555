package embedding

import (
	"context"
	"strings"
	"unicode/utf8"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/resilience"

	"golang.org/x/time/rate"
)

// Embedder turns a list of texts into vectors aligned with the input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Batcher splits input into capped batches, filters blank inputs, truncates
// oversized ones and throttles requests. Filtered inputs get a nil vector.
type Batcher struct {
	client    Client
	batchSize int
	maxChars  int
	limiter   *rate.Limiter
	policy    resilience.Policy
}

// NewBatcher wraps a Client with the batch and size caps from configuration.
func NewBatcher(client Client, cfg config.EmbeddingConfig) *Batcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 8000
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Batcher{
		client:    client,
		batchSize: batchSize,
		maxChars:  maxChars,
		limiter:   rate.NewLimiter(limit, 1),
		policy:    resilience.EmbedPolicy,
	}
}

// Embed returns one vector per input position.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	positions := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, t := range texts {
		t = sanitize(t)
		if t == "" {
			continue
		}
		positions = append(positions, i)
		inputs = append(inputs, truncate(t, b.maxChars))
	}
	if skipped := len(texts) - len(inputs); skipped > 0 {
		log.Warnf("[Embedding] 过滤了 %d 条空输入", skipped)
	}

	for start := 0; start < len(inputs); start += b.batchSize {
		end := start + b.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		batch := inputs[start:end]

		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vectors, err := resilience.Call(ctx, b.policy, "embedding.create", func(ctx context.Context) ([][]float32, error) {
			return b.client.CreateEmbeddings(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		for j, v := range vectors {
			out[positions[start+j]] = v
		}
	}
	return out, nil
}

// sanitize drops invalid UTF-8 and surrounding whitespace.
func sanitize(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.TrimSpace(s)
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
