package presence

import (
	"context"
	"fmt"

	"github.com/pscheid92/topout/internal/domain"
)

// Climbers returns the records of a gym's current members. Members whose
// record expired or was removed concurrently are skipped.
func Climbers(ctx context.Context, store domain.PresenceStore, gymID string) ([]domain.ClimberRecord, error) {
	members, err := store.Members(ctx, gymID)
	if err != nil {
		return nil, fmt.Errorf("failed to read gym membership: %w", err)
	}
	records, err := store.Records(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("failed to read climber records: %w", err)
	}
	return records, nil
}

// Snapshot builds the first event sent to a viewer attaching to gymID.
func Snapshot(ctx context.Context, store domain.PresenceStore, gymID string) (domain.Event, error) {
	records, err := Climbers(ctx, store, gymID)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.NewSnapshot(records), nil
}
