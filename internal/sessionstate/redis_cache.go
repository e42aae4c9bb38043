// Package sessionstate mirrors session states into redis so sibling
// instances and ops dashboards can read a session's posture without
// touching the primary store. The mirror is best effort: the ledger
// and its derived state in the store remain the source of truth, and
// a cache miss always falls through to the store.
package sessionstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"agenttrail/pkg/models"
)

// ErrMiss is returned by Get when the cache has no entry.
var ErrMiss = errors.New("session not in cache")

// Config configures redis access for the state mirror.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache writes and reads session state hashes.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects and pings so a dead redis fails at startup.
func NewRedisCache(cfg Config) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "agenttrail:session"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis session cache: %w", err)
	}

	return &RedisCache{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Put mirrors one state. The updated index keeps the highest update
// time per session (GT), so replayed or out-of-order mirrors never
// move a session backwards in the recency ordering.
func (c *RedisCache) Put(ctx context.Context, state *models.SessionState) error {
	if state == nil || strings.TrimSpace(state.SessionID) == "" {
		return nil
	}

	key := c.sessionKey(state.SessionID)
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key,
		"session_id", state.SessionID,
		"status", string(state.Status),
		"risk_score", strconv.Itoa(state.RiskScore),
		"risk_level", string(state.RiskLevel),
		"total_events", strconv.FormatInt(state.TotalEvents, 10),
		"threats_detected", strconv.FormatInt(state.ThreatsDetected, 10),
		"pii_exposures", strconv.FormatInt(state.PIIExposures, 10),
		"last_event_sequence", strconv.FormatInt(state.LastEventSequence, 10),
		"started_at", strconv.FormatInt(state.StartedAt.Unix(), 10),
		"updated_at", strconv.FormatInt(updated.Unix(), 10),
	)
	pipe.ZAddArgs(ctx, c.updatedSetKey(), redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: float64(updated.Unix()), Member: state.SessionID}},
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror session state: %w", err)
	}
	return nil
}

// Get reads one mirrored state. Callers fall through to the primary
// store on ErrMiss.
func (c *RedisCache) Get(ctx context.Context, sessionID string) (*models.SessionState, error) {
	hash, err := c.client.HGetAll(ctx, c.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session cache: %w", err)
	}
	if len(hash) == 0 {
		return nil, ErrMiss
	}

	score, _ := strconv.Atoi(hash["risk_score"])
	totalEvents, _ := strconv.ParseInt(hash["total_events"], 10, 64)
	threats, _ := strconv.ParseInt(hash["threats_detected"], 10, 64)
	pii, _ := strconv.ParseInt(hash["pii_exposures"], 10, 64)
	lastSeq, _ := strconv.ParseInt(hash["last_event_sequence"], 10, 64)
	startedUnix, _ := strconv.ParseInt(hash["started_at"], 10, 64)
	updatedUnix, _ := strconv.ParseInt(hash["updated_at"], 10, 64)

	state := &models.SessionState{
		SessionID:         hash["session_id"],
		Status:            models.SessionStatus(hash["status"]),
		RiskScore:         score,
		RiskLevel:         models.RiskLevel(hash["risk_level"]),
		TotalEvents:       totalEvents,
		ThreatsDetected:   threats,
		PIIExposures:      pii,
		LastEventSequence: lastSeq,
	}
	if startedUnix > 0 {
		state.StartedAt = time.Unix(startedUnix, 0).UTC()
	}
	if updatedUnix > 0 {
		state.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	}
	return state, nil
}

// Recent returns session ids updated at or after since, most stale
// first, up to limit.
func (c *RedisCache) Recent(ctx context.Context, since time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	members, err := c.client.ZRangeByScore(ctx, c.updatedSetKey(), &redis.ZRangeBy{
		Min:    fmt.Sprintf("%d", since.Unix()),
		Max:    "+inf",
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read session recency index: %w", err)
	}
	return members, nil
}

// Close closes redis resources.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) sessionKey(sessionID string) string {
	return c.prefix + ":state:" + sessionID
}

func (c *RedisCache) updatedSetKey() string {
	return c.prefix + ":updated"
}
