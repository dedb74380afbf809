package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339 utc", `"2024-03-01T12:00:00Z"`, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"rfc3339 offset", `"2024-03-01T21:00:00+09:00"`, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"fractional", `"2024-03-01T12:00:00.123456Z"`, time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC), false},
		{"no zone", `"2026-01-20T15:00:00"`, time.Date(2026, 1, 20, 15, 0, 0, 0, time.UTC), false},
		{"no zone fractional", `"2026-01-20T15:00:00.5"`, time.Date(2026, 1, 20, 15, 0, 0, 500000000, time.UTC), false},
		{"date only", `"2026-01-20"`, time.Time{}, true},
		{"not a string", `12345`, time.Time{}, true},
		{"garbage", `"yesterday"`, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.data), &ts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.data, err, tt.wantErr)
			}
			if !tt.wantErr && !ts.Equal(tt.want) {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.data, ts.Time, tt.want)
			}
		})
	}
}

func TestTimestamp_RoomSummary(t *testing.T) {
	var rooms []RoomSummary
	data := `[{"room_id":1,"last_message_at":"2026-01-20T15:00:00"},{"room_id":2,"last_message_at":null}]`
	if err := json.Unmarshal([]byte(data), &rooms); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := time.Date(2026, 1, 20, 15, 0, 0, 0, time.UTC)
	if rooms[0].LastMessageAt == nil || !rooms[0].LastMessageAt.Equal(want) {
		t.Errorf("rooms[0].LastMessageAt = %v, want %v", rooms[0].LastMessageAt, want)
	}
	if rooms[1].LastMessageAt != nil {
		t.Errorf("rooms[1].LastMessageAt = %v, want nil", rooms[1].LastMessageAt)
	}
}

func TestTimestamp_MarshalRoundTrip(t *testing.T) {
	in := NewTimestamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"2024-03-01T12:00:00Z"` {
		t.Errorf("Marshal = %s, want %s", data, `"2024-03-01T12:00:00Z"`)
	}
}
