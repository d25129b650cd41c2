package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const tierRedis = "redis"

// WrapRedis puts a shared Redis tier in front of e. Redis failures are logged
// and treated as misses.
func WrapRedis(e embedding.Embedder, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) embedding.Embedder {
	if e == nil || client == nil {
		return e
	}
	return &redisEmbedder{next: e, client: client, ttl: ttl, logger: observability.OrDiscard(logger)}
}

type redisEmbedder struct {
	next   embedding.Embedder
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func (r *redisEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(r.next.ModelName(), text)
	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if vector, ok := decodeVector(raw); ok {
			observability.ObserveCacheLookup(tierRedis, true)
			return vector, nil
		}
		r.logger.WarnContext(ctx, "discarding malformed cached embedding", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		r.logger.WarnContext(ctx, "embedding cache read failed", slog.Any("error", err))
	}
	observability.ObserveCacheLookup(tierRedis, false)

	vector, err := r.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := r.client.Set(ctx, key, encodeVector(vector), r.ttl).Err(); err != nil {
		r.logger.WarnContext(ctx, "failed to cache embedding", slog.Any("error", err))
	}
	return vector, nil
}

func (r *redisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	model := r.next.ModelName()
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = cacheKey(model, text)
	}

	out := make([][]float32, len(texts))
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.logger.WarnContext(ctx, "embedding cache read failed", slog.Any("error", err))
		values = make([]any, len(texts))
	}
	var missIdx []int
	var missTexts []string
	for i, value := range values {
		if s, ok := value.(string); ok {
			if vector, ok := decodeVector([]byte(s)); ok {
				observability.ObserveCacheLookup(tierRedis, true)
				out[i] = vector
				continue
			}
		}
		observability.ObserveCacheLookup(tierRedis, false)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := r.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	pipe := r.client.Pipeline()
	for n, i := range missIdx {
		if n >= len(vectors) {
			break
		}
		out[i] = vectors[n]
		pipe.Set(ctx, keys[i], encodeVector(vectors[n]), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WarnContext(ctx, "failed to cache embeddings", slog.Any("error", err))
	}
	return out, nil
}

func (r *redisEmbedder) ModelName() string { return r.next.ModelName() }

func cacheKey(model, text string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	sum := sha256.Sum256([]byte(text))
	return "embed:" + model + ":" + hex.EncodeToString(sum[:])
}

func encodeVector(vector []float32) []byte {
	b := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}
