package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

// RunEvent is the wire shape published for job/run lifecycle changes so
// dashboards and schedulers can react without polling.
type RunEvent struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id,omitempty"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Progress   int       `json:"progress,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type RunBus interface {
	Publish(ctx context.Context, ev RunEvent) error
	StartForwarder(ctx context.Context, onEvent func(ev RunEvent)) error
	Close() error
}

type runBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRunBus connects to REDIS_ADDR and publishes run events on REDIS_CHANNEL
// (default "pipeline-runs"). Construction fails fast on an unreachable redis
// so the caller can fall back to log-only notification.
func NewRunBus(log *logger.Logger) (RunBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = "pipeline-runs"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &runBus{
		log:     log.With("service", "RedisRunBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *runBus) Publish(ctx context.Context, ev RunEvent) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("run bus not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *runBus) StartForwarder(ctx context.Context, onEvent func(ev RunEvent)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("run bus not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev RunEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad run bus payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

func (b *runBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
