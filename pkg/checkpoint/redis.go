package checkpoint

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
)

const (
	// DefaultLockTTL bounds how long a crashed session blocks the next one.
	DefaultLockTTL = 2 * time.Minute

	keyPrefix         = "depdb:"
	connectionTimeout = 5 * time.Second
)

// Lua: delete or extend the key only while it still holds our token.
var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisConfig configures [NewRedisStore].
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration // zero uses DefaultLockTTL
	Logger   *log.Logger
}

// RedisStore keeps cursors under depdb:cursor:<kind> and the session lock
// under depdb:lock:<kind>. A held lock is extended in the background until
// it is released.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger

	mu       sync.Mutex
	renewals map[index.Kind]context.CancelFunc
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrCodeStore, err, "redis ping failed")
	}
	return newRedisStore(client, cfg.LockTTL, cfg.Logger), nil
}

func newRedisStore(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger, renewals: make(map[index.Kind]context.CancelFunc)}
}

func cursorKey(kind index.Kind) string { return keyPrefix + "cursor:" + string(kind) }
func lockKey(kind index.Kind) string   { return keyPrefix + "lock:" + string(kind) }

func (s *RedisStore) Load(ctx context.Context, kind index.Kind) (*Cursor, error) {
	data, err := s.client.Get(ctx, cursorKey(kind)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, err, "load cursor")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, err, "parse cursor")
	}
	return &c, nil
}

func (s *RedisStore) Save(ctx context.Context, c *Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "marshal cursor")
	}
	if err := s.client.Set(ctx, cursorKey(c.Kind), data, 0).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "save cursor")
	}
	return nil
}

func (s *RedisStore) Lock(ctx context.Context, kind index.Kind, session string) error {
	ok, err := s.client.SetNX(ctx, lockKey(kind), session, s.ttl).Result()
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "acquire lock")
	}
	if !ok {
		holder, _ := s.client.Get(ctx, lockKey(kind)).Result()
		return errors.New(errors.ErrCodeLocked, "%s crawl is locked by session %s", kind, holder)
	}

	rctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if prev, ok := s.renewals[kind]; ok {
		prev()
	}
	s.renewals[kind] = cancel
	s.mu.Unlock()
	go s.renew(rctx, kind, session)
	return nil
}

func (s *RedisStore) renew(ctx context.Context, kind index.Kind, session string) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, s.client, []string{lockKey(kind)}, session, s.ttl.Milliseconds()).Int()
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("extend crawl lock failed", "kind", kind, "error", err)
				continue
			}
			if n == 0 && ctx.Err() == nil {
				s.logger.Error("crawl lock lost", "kind", kind, "session", session)
				return
			}
		}
	}
}

func (s *RedisStore) Unlock(ctx context.Context, kind index.Kind, session string) error {
	s.mu.Lock()
	if cancel, ok := s.renewals[kind]; ok {
		cancel()
		delete(s.renewals, kind)
	}
	s.mu.Unlock()

	n, err := unlockScript.Run(ctx, s.client, []string{lockKey(kind)}, session).Int()
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "release lock")
	}
	if n == 0 {
		return errors.New(errors.ErrCodeLocked, "%s crawl lock not held by session %s", kind, session)
	}
	return nil
}

// Close stops lock renewals and closes the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	for kind, cancel := range s.renewals {
		cancel()
		delete(s.renewals, kind)
	}
	s.mu.Unlock()
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
