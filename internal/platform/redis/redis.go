package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

type Options struct {
	Addr     string
	Password string
}

type Service struct {
	client *redisv8.Client
	log    *logger.Logger

	mu     sync.Mutex
	tokens map[string]string
}

func New(opts Options) (*Service, error) {
	c := redisv8.NewClient(&redisv8.Options{Addr: opts.Addr, Password: opts.Password})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Service{client: c, log: logger.New("Redis"), tokens: map[string]string{}}, nil
}

func (s *Service) Close() error { return s.client.Close() }

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.LogErrorf("Redis health check failed: %v", err)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Lock takes key for ttl. It reports false when someone else holds it.
func (s *Service) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if ok {
		s.mu.Lock()
		s.tokens[key] = token
		s.mu.Unlock()
	}
	return ok, nil
}

// only the holder's token may delete the lock
var unlockScript = redisv8.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (s *Service) Unlock(ctx context.Context, key string) error {
	s.mu.Lock()
	token, ok := s.tokens[key]
	delete(s.tokens, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unlockScript.Run(ctx, s.client, []string{lockKey(key)}, token).Err(); err != nil && err != redisv8.Nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	return nil
}

func lockKey(key string) string { return "lock:" + key }

func RequestChannel(requestID string) string { return "request:" + requestID }

func (s *Service) NotifyJob(ctx context.Context, job models.ImageJob) {
	payload, err := json.Marshal(models.JobEvent{JobID: job.ID, RequestID: job.RequestID, State: job.State, At: job.UpdatedAt})
	if err != nil {
		s.log.LogErrorf("encoding job event %s: %v", job.ID, err)
		return
	}
	if err := s.client.Publish(ctx, RequestChannel(job.RequestID), payload).Err(); err != nil {
		s.log.LogWarnf("publishing job event %s: %v", job.ID, err)
	}
}

// Subscribe streams job events for one request until ctx ends.
func (s *Service) Subscribe(ctx context.Context, requestID string) (<-chan models.JobEvent, error) {
	sub := s.client.Subscribe(ctx, RequestChannel(requestID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", requestID, err)
	}

	out := make(chan models.JobEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
