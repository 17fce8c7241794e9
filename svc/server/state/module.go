package state

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v9"
)

const (
	PRESENCE_CHANNEL = "atrium-presence"
	KEY_OCCUPANCY    = "atrium-occupancy"
)

// Presence mirrors join/leave activity into redis so dashboards can watch
// room occupancy without holding a websocket open.
type Presence struct {
	client *redis.Client
}

func NewPresence(ctx context.Context, address string) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr: address,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Presence{client: client}, nil
}

func (p *Presence) PublishJoin(ctx context.Context, sessionID string) error {
	return p.client.Publish(ctx, PRESENCE_CHANNEL, fmt.Sprintf("join %s", sessionID)).Err()
}

func (p *Presence) PublishLeave(ctx context.Context, sessionID string) error {
	return p.client.Publish(ctx, PRESENCE_CHANNEL, fmt.Sprintf("leave %s", sessionID)).Err()
}

func (p *Presence) SetOccupancy(ctx context.Context, count int) error {
	return p.client.Set(ctx, KEY_OCCUPANCY, count, 0).Err()
}

func (p *Presence) Close() error {
	return p.client.Close()
}
