package predictor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ppc-rules-engine/internal/observability"
	"ppc-rules-engine/internal/validation"
)

// Cached memoises another predictor in Redis. Redis trouble never fails a
// prediction: lookups and writes fail open to the wrapped predictor.
type Cached struct {
	client *redis.Client
	next   validation.BidPredictor
	ttl    time.Duration
}

func NewCached(client *redis.Client, next validation.BidPredictor, ttl time.Duration) *Cached {
	return &Cached{client: client, next: next, ttl: ttl}
}

// cacheKey includes a digest of the metrics bag, so a campaign whose metrics
// changed (or a caller-supplied copy of it) never hits a stale prediction.
func cacheKey(c validation.Campaign, adjustmentPercent float64) string {
	return fmt.Sprintf("ppc:predict:%s:%s:%016x",
		c.ID, strconv.FormatFloat(adjustmentPercent, 'f', -1, 64), metricsDigest(c.Metrics))
}

func metricsDigest(m validation.Metrics) uint64 {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	d := xxhash.New()
	var buf [8]byte
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(m[validation.Metric(k)]))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func (c *Cached) Predict(ctx context.Context, camp validation.Campaign, adjustmentPercent float64) (validation.Prediction, error) {
	key := cacheKey(camp, adjustmentPercent)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p validation.Prediction
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			observability.PredictionCache.WithLabelValues("hit").Inc()
			return p, nil
		}
		observability.PredictionCache.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		observability.PredictionCache.WithLabelValues("miss").Inc()
	default:
		observability.PredictionCache.WithLabelValues("error").Inc()
		log.Debug().Err(err).Str("key", key).Msg("prediction cache read failed")
	}

	p, err := c.next.Predict(ctx, camp, adjustmentPercent)
	if err != nil {
		return p, err
	}
	if b, jerr := json.Marshal(p); jerr == nil {
		if serr := c.client.Set(ctx, key, b, c.ttl).Err(); serr != nil {
			log.Debug().Err(serr).Str("key", key).Msg("prediction cache write failed")
		}
	}
	return p, nil
}

// NewRedisClient connects and pings, mirroring how the store is opened.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
