package presence

import (
	"testing"

	"github.com/pscheid92/topout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Action
	}{
		{"start with defaults", `{"action":"start","gym_id":"G1"}`,
			StartAction{GymID: "G1", Visible: true}},
		{"start with all fields", `{"action":"start","gym_id":"G1","visible":false,"anonymous":true,"nickname":"Alex"}`,
			StartAction{GymID: "G1", Visible: false, Anonymous: true, Nickname: "Alex"}},
		{"heartrate", `{"action":"heartrate","value":110,"duration":30}`,
			HeartRateAction{Value: 110, Duration: 30}},
		{"heartrate zero", `{"action":"heartrate","value":0,"duration":0}`,
			HeartRateAction{}},
		{"status", `{"action":"status","value":"resting"}`,
			StatusAction{Value: "resting"}},
		{"end", `{"action":"end"}`, EndAction{}},
		{"end ignores extra fields", `{"action":"end","gym_id":"G9"}`, EndAction{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAction_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":               `{"action":`,
		"json array":             `[1,2]`,
		"missing action":         `{"gym_id":"G1"}`,
		"start without gym":      `{"action":"start"}`,
		"start with empty gym":   `{"action":"start","gym_id":""}`,
		"start with numeric gym": `{"action":"start","gym_id":7}`,
		"heartrate no value":     `{"action":"heartrate","duration":30}`,
		"heartrate null value":   `{"action":"heartrate","value":null,"duration":30}`,
		"heartrate no duration":  `{"action":"heartrate","value":110}`,
		"heartrate string":       `{"action":"heartrate","value":"110","duration":30}`,
		"heartrate fraction":     `{"action":"heartrate","value":110.5,"duration":30}`,
		"heartrate negative":     `{"action":"heartrate","value":-1,"duration":30}`,
		"duration negative":      `{"action":"heartrate","value":100,"duration":-5}`,
		"status no value":        `{"action":"status"}`,
		"status empty":           `{"action":"status","value":""}`,
		"status number":          `{"action":"status","value":3}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAction([]byte(raw))
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
		})
	}
}

func TestParseAction_UnknownAction(t *testing.T) {
	_, err := ParseAction([]byte(`{"action":"vote"}`))

	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	assert.ErrorIs(t, err, domain.ErrUnknownAction)
	assert.Contains(t, err.Error(), `"vote"`)
}
