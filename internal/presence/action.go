package presence

import (
	"encoding/json"
	"fmt"

	"github.com/pscheid92/topout/internal/domain"
)

// Action is one parsed inbound message from a climber connection.
type Action interface {
	Name() string
}

type StartAction struct {
	GymID     string
	Visible   bool
	Anonymous bool
	Nickname  string // empty when the client sent none
}

type HeartRateAction struct {
	Value    int
	Duration int
}

type StatusAction struct {
	Value string
}

type EndAction struct{}

func (StartAction) Name() string     { return "start" }
func (HeartRateAction) Name() string { return "heartrate" }
func (StatusAction) Name() string    { return "status" }
func (EndAction) Name() string       { return "end" }

type rawAction struct {
	Action    string          `json:"action"`
	GymID     string          `json:"gym_id"`
	Visible   *bool           `json:"visible"`
	Anonymous bool            `json:"anonymous"`
	Nickname  string          `json:"nickname"`
	Value     json.RawMessage `json:"value"`
	Duration  *int            `json:"duration"`
}

// ParseAction decodes a climber message. Every error wraps domain.ErrMalformedMessage.
func ParseAction(data []byte) (Action, error) {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("invalid json: %v", err)
	}

	switch raw.Action {
	case "start":
		if raw.GymID == "" {
			return nil, malformed("start without gym_id")
		}
		visible := true
		if raw.Visible != nil {
			visible = *raw.Visible
		}
		return StartAction{GymID: raw.GymID, Visible: visible, Anonymous: raw.Anonymous, Nickname: raw.Nickname}, nil

	case "heartrate":
		var value int
		if len(raw.Value) == 0 || string(raw.Value) == "null" || json.Unmarshal(raw.Value, &value) != nil {
			return nil, malformed("heartrate needs an integer value")
		}
		if raw.Duration == nil {
			return nil, malformed("heartrate without duration")
		}
		if value < 0 || *raw.Duration < 0 {
			return nil, malformed("heartrate values must not be negative")
		}
		return HeartRateAction{Value: value, Duration: *raw.Duration}, nil

	case "status":
		var value string
		if len(raw.Value) == 0 || json.Unmarshal(raw.Value, &value) != nil || value == "" {
			return nil, malformed("status needs a non-empty string value")
		}
		return StatusAction{Value: value}, nil

	case "end":
		return EndAction{}, nil

	case "":
		return nil, malformed("missing action")

	default:
		return nil, fmt.Errorf("%w: %w %q", domain.ErrMalformedMessage, domain.ErrUnknownAction, raw.Action)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
