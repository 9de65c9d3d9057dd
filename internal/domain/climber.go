package domain

import "time"

const (
	// DefaultStatus is the activity label a climber starts with.
	DefaultStatus = "climbing"

	// DefaultNickname replaces the nickname of anonymous climbers and fills in a missing one.
	DefaultNickname = "攀岩者"

	// DefaultRecordTTL bounds how long a record outlives a crashed session.
	DefaultRecordTTL = time.Hour
)

// ClimberRecord is the presence state of one climber joined to a gym.
// It only exists in the shared store while the owning session is joined and visible.
type ClimberRecord struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname"`
	Anonymous bool   `json:"anonymous"`
	Visible   bool   `json:"visible"`
	Status    string `json:"status"`
	HeartRate int    `json:"heart_rate"`
	Duration  int    `json:"duration"`
}

// GymActivity is the number of visible climbers currently at a gym.
type GymActivity struct {
	GymID       string `json:"gym_id"`
	ActiveCount int64  `json:"active_count"`
}
