package domain

import (
	"context"
	"time"
)

// PresenceStore is the shared, cross-process presence state.
// Membership changes and record writes must be atomic on the store side.
type PresenceStore interface {
	// Join adds the climber to the gym's membership and writes its record with ttl.
	Join(ctx context.Context, gymID string, record ClimberRecord, ttl time.Duration) error
	// Leave removes the climber from the gym's membership and deletes its record.
	Leave(ctx context.Context, gymID, userID string) error

	// Record returns ErrRecordNotFound if the record is missing or expired.
	Record(ctx context.Context, userID string) (*ClimberRecord, error)
	// SaveRecord rewrites an existing record and refreshes the ttl of both the
	// record and the gym membership. Returns ErrRecordNotFound if the record
	// vanished in the meantime.
	SaveRecord(ctx context.Context, gymID string, record ClimberRecord, ttl time.Duration) error

	Members(ctx context.Context, gymID string) ([]string, error)
	// Records returns the records that still exist, skipping missing ids.
	Records(ctx context.Context, userIDs []string) ([]ClimberRecord, error)
	MemberCount(ctx context.Context, gymID string) (int64, error)
	ActiveGyms(ctx context.Context) ([]GymActivity, error)

	Ping(ctx context.Context) error
}

// EventBroadcaster fans an event out to the viewers attached to this process.
type EventBroadcaster interface {
	Broadcast(gymID string, event Event)
}

// EventPublisher relays an event to the other processes watching a gym.
type EventPublisher interface {
	Publish(ctx context.Context, gymID string, event Event) error
}
