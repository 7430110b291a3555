package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ScoreChange is published after a propagation pass commits.
type ScoreChange struct {
	ExpectationID string
	InjectID      string
	Type          string
	Role          string
	Score         *float64
	Version       int64
}

// Publisher fans committed score changes out to other processes.
type Publisher interface {
	Publish(ctx context.Context, changes []ScoreChange) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []ScoreChange) error { return nil }

// RedisPublisher appends each change to a Redis stream.
type RedisPublisher struct {
	Client *redis.Client
	Stream string
}

func NewRedisPublisher(url, stream string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &RedisPublisher{Client: redis.NewClient(opt), Stream: stream}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, changes []ScoreChange) error {
	if len(changes) == 0 {
		return nil
	}
	pipe := p.Client.Pipeline()
	for _, c := range changes {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.Stream,
			Values: streamValues(c),
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPublisher) Close() error {
	return p.Client.Close()
}

func streamValues(c ScoreChange) map[string]any {
	score := ""
	if c.Score != nil {
		score = strconv.FormatFloat(*c.Score, 'f', -1, 64)
	}
	return map[string]any{
		"expectation_id": c.ExpectationID,
		"inject_id":      c.InjectID,
		"type":           c.Type,
		"role":           c.Role,
		"score":          score,
		"version":        c.Version,
	}
}
