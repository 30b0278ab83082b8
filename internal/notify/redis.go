package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CollabChannel carries participant join/leave events.
	CollabChannel = "girder:collab"
	// SyncChannel carries conflict detection and resolution events.
	SyncChannel = "girder:sync"

	presencePrefix = "girder:presence:"
	publishTimeout = 2 * time.Second
)

// RedisSink publishes events over Redis pub/sub and mirrors session
// membership into per-project presence sets so other nodes can read who is
// online without asking this one.
type RedisSink struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisSinkWithClient(client), nil
}

// NewRedisSinkWithClient wraps an existing Redis client.
func NewRedisSinkWithClient(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, now: time.Now}
}

func presenceKey(projectID string) string {
	return presencePrefix + projectID
}

func (s *RedisSink) ParticipantJoined(projectID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.client.SAdd(ctx, presenceKey(projectID), userID).Err(); err != nil {
		log.Printf("notify: presence add %s/%s: %v", projectID, userID, err)
	}
	s.publish(ctx, CollabChannel, Event{
		Type:      EventParticipantJoined,
		ProjectID: projectID,
		UserID:    userID,
		At:        s.now().UTC(),
	})
}

func (s *RedisSink) ParticipantLeft(projectID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.client.SRem(ctx, presenceKey(projectID), userID).Err(); err != nil {
		log.Printf("notify: presence remove %s/%s: %v", projectID, userID, err)
	}
	s.publish(ctx, CollabChannel, Event{
		Type:      EventParticipantLeft,
		ProjectID: projectID,
		UserID:    userID,
		At:        s.now().UTC(),
	})
}

func (s *RedisSink) ConflictDetected(entityKind, entityID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	s.publish(ctx, SyncChannel, Event{
		Type:       EventConflictDetected,
		EntityKind: entityKind,
		EntityID:   entityID,
		At:         s.now().UTC(),
	})
}

func (s *RedisSink) ConflictResolved(conflictID, resolution string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	s.publish(ctx, SyncChannel, Event{
		Type:       EventConflictResolved,
		ConflictID: conflictID,
		Resolution: resolution,
		At:         s.now().UTC(),
	})
}

func (s *RedisSink) publish(ctx context.Context, channel string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("notify: marshal %s event: %v", ev.Type, err)
		return
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("notify: publish %s to %s: %v", ev.Type, channel, err)
	}
}

// Presence lists user IDs currently present in a project, across all nodes.
func (s *RedisSink) Presence(ctx context.Context, projectID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, presenceKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence set: %w", err)
	}
	return members, nil
}

// Ping checks if Redis is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
