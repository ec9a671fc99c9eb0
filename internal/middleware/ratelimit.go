package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coah80/heic2jpg/internal/auth"
	"github.com/coah80/heic2jpg/internal/logger"
)

const EventRateLimited = "rate_limit_exceeded"

// Result is the state of one client's window after a request.
type Result struct {
	Allowed bool
	Count   int
	ResetIn time.Duration
}

// Store counts requests per key over a sliding window. A denied request is
// not recorded.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Result, error)
}

const maxRateLimitEntries = 100000

// MemoryStore keeps request timestamps per key in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, max int) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := inWindow(s.hits[key], now.Add(-window))
	if len(filtered) >= max {
		s.hits[key] = filtered
		return Result{Count: len(filtered), ResetIn: filtered[0].Add(window).Sub(now)}, nil
	}
	if _, ok := s.hits[key]; !ok && len(s.hits) >= maxRateLimitEntries {
		return Result{Count: max, ResetIn: time.Minute}, nil
	}

	filtered = append(filtered, now)
	s.hits[key] = filtered
	return Result{Allowed: true, Count: len(filtered), ResetIn: filtered[0].Add(window).Sub(now)}, nil
}

// Prune drops timestamps older than window and forgets idle keys.
func (s *MemoryStore) Prune(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, times := range s.hits {
		filtered := inWindow(times, now.Add(-window))
		if len(filtered) == 0 {
			delete(s.hits, key)
			removed++
			continue
		}
		s.hits[key] = filtered
	}
	return removed
}

// StartPruning prunes every minute until ctx is done.
func (s *MemoryStore) StartPruning(ctx context.Context, window time.Duration) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Prune(now, window)
			}
		}
	}()
}

func inWindow(times []time.Time, start time.Time) []time.Time {
	filtered := times[:0]
	for _, t := range times {
		if t.After(start) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// slidingWindow trims the sorted set, then adds the request when under the
// limit. Returns {allowed, count, oldest score in ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local first = now
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then first = tonumber(oldest[2]) end
return {allowed, count, first}
`)

// RedisStore shares windows between instances through sorted sets.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Result, error) {
	nowMs := now.UnixMilli()
	vals, err := slidingWindow.Run(ctx, s.client, []string{s.prefix + key},
		nowMs, window.Milliseconds(), max, uuid.NewString()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply %v", vals)
	}
	reset := time.Duration(vals[2]+window.Milliseconds()-nowMs) * time.Millisecond
	return Result{Allowed: vals[0] == 1, Count: int(vals[1]), ResetIn: reset}, nil
}

// Limiter enforces max requests per client IP over window.
type Limiter struct {
	name    string
	max     int
	window  time.Duration
	store   Store
	message string
	events  []auth.EventRecorder
	now     func() time.Time
	log     *slog.Logger
}

func NewLimiter(name string, max int, window time.Duration, store Store, events ...auth.EventRecorder) *Limiter {
	return &Limiter{
		name:    name,
		max:     max,
		window:  window,
		store:   store,
		message: fmt.Sprintf("Maximum %d %s per %s per IP", max, name, humanWindow(window)),
		events:  events,
		now:     time.Now,
		log:     logger.Component("ratelimit"),
	}
}

func humanWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}

func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := auth.ClientIP(r)
		res, err := l.store.Hit(r.Context(), l.name+":"+ip, l.now(), l.window, l.max)
		if err != nil {
			l.log.Warn("rate limit store unavailable, allowing request", slog.String("limiter", l.name), slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}

		remaining := l.max - res.Count
		if remaining < 0 || !res.Allowed {
			remaining = 0
		}
		resetSec := int(res.ResetIn.Seconds()) + 1
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSec))

		if !res.Allowed {
			l.log.Warn("rate limit exceeded", slog.String("limiter", l.name), slog.String("ip", ip), slog.String("path", r.URL.Path))
			for _, rec := range l.events {
				rec.RecordSecurityEvent(EventRateLimited)
			}
			w.Header().Set("Retry-After", strconv.Itoa(resetSec))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":      "Too many " + l.name,
				"message":    l.message,
				"retryAfter": resetSec,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
