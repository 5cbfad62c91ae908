package online

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/retain/internal/clock"
	"github.com/smallbiznis/retain/internal/config"
	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
)

var (
	ErrNotFound         = errors.New("online_record_not_found")
	ErrCacheUnavailable = errors.New("online_cache_unavailable")
)

const keyPrefix = "retain:features:"

// Record is the per-entity document held in the cache. FreshnessTime is
// the as-of date the values were computed at, not the write time.
type Record struct {
	EntityID      int64              `json:"entity_id"`
	Values        map[string]float64 `json:"values"`
	SchemaVersion int                `json:"schema_version"`
	FreshnessTime time.Time          `json:"freshness_time"`
}

// Age reports how far behind now the record's values are.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.FreshnessTime)
}

// Stats summarizes cache state for health reporting.
type Stats struct {
	Keys int64
}

// Params declares online store dependencies.
type Params struct {
	fx.In

	Client redis.UniversalClient
	Cfg    config.Config
	Clock  clock.Clock
	Log    *zap.Logger
}

// Store serves the latest feature vector per entity from Redis.
type Store struct {
	client    redis.UniversalClient
	ttl       time.Duration
	staleness time.Duration
	clock     clock.Clock
	log       *zap.Logger
}

// NewClient builds the Redis client and registers a lifecycle close hook.
func NewClient(lc fx.Lifecycle, cfg config.Config) redis.UniversalClient {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.RedisAddr),
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
	}
	return client
}

func New(p Params) *Store {
	return &Store{
		client:    p.Client,
		ttl:       time.Duration(p.Cfg.OnlineTTLSeconds) * time.Second,
		staleness: time.Duration(p.Cfg.OnlineStalenessSeconds) * time.Second,
		clock:     p.Clock,
		log:       p.Log.Named("store.online"),
	}
}

// Put writes one entity's vector, replacing whatever was cached before.
func (s *Store) Put(ctx context.Context, vector featuredomain.FeatureVector, freshness time.Time) error {
	payload, err := encodeRecord(vector, freshness)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, Key(vector.EntityID), payload, s.ttl).Err(); err != nil {
		return cacheErr(err)
	}
	return nil
}

// Entry pairs a vector with the as-of time it was computed at.
type Entry struct {
	Vector    featuredomain.FeatureVector
	Freshness time.Time
}

// BulkPut writes a batch of entries in a single pipeline round trip.
// Entities whose write failed are returned; a nil map means all writes
// succeeded.
func (s *Store) BulkPut(ctx context.Context, entries []Entry) (map[int64]error, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	payloads := make([][]byte, len(entries))
	for i, entry := range entries {
		payload, err := encodeRecord(entry.Vector, entry.Freshness)
		if err != nil {
			return nil, err
		}
		payloads[i] = payload
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StatusCmd, len(entries))
	for i, entry := range entries {
		cmds[i] = pipe.Set(ctx, Key(entry.Vector.EntityID), payloads[i], s.ttl)
	}
	_, execErr := pipe.Exec(ctx)

	var failed map[int64]error
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			if failed == nil {
				failed = make(map[int64]error)
			}
			failed[entries[i].Vector.EntityID] = cacheErr(err)
		}
	}
	// On a connection-level failure the commands never ran; Exec reports
	// the error but no command carries one. That is an outage, not a
	// partial batch.
	if execErr != nil && failed == nil {
		return nil, cacheErr(execErr)
	}
	return failed, nil
}

// Get returns the cached record for one entity. Stale records are still
// returned; callers decide what staleness means for them.
func (s *Store) Get(ctx context.Context, entityID int64) (*Record, error) {
	raw, err := s.client.Get(ctx, Key(entityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cacheErr(err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: decode record: %v", ErrCacheUnavailable, err)
	}

	if age := record.Age(s.clock.Now()); age > s.staleness {
		s.log.Warn("serving stale online record",
			zap.Int64("entity_id", entityID),
			zap.Duration("age", age),
		)
	}
	return &record, nil
}

// IsStale reports whether the record's values are older than the
// configured staleness bound.
func (s *Store) IsStale(record Record) bool {
	return record.Age(s.clock.Now()) > s.staleness
}

// Stats counts cached feature records.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		cursor uint64
		keys   int64
	)
	for {
		page, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 1000).Result()
		if err != nil {
			return Stats{}, cacheErr(err)
		}
		keys += int64(len(page))
		if next == 0 {
			break
		}
		cursor = next
	}
	return Stats{Keys: keys}, nil
}

// Healthy pings the cache.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return cacheErr(err)
	}
	return nil
}

// Key returns the cache key for an entity.
func Key(entityID int64) string {
	return keyPrefix + strconv.FormatInt(entityID, 10)
}

func encodeRecord(vector featuredomain.FeatureVector, freshness time.Time) ([]byte, error) {
	if vector.EntityID == 0 {
		return nil, errors.New("entity id is required")
	}
	record := Record{
		EntityID:      vector.EntityID,
		Values:        vector.Values,
		SchemaVersion: vector.SchemaVersion,
		FreshnessTime: freshness.UTC(),
	}
	return json.Marshal(record)
}

func cacheErr(err error) error {
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}
