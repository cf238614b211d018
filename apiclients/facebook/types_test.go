package facebook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestActionEntryUnmarshal(t *testing.T) {

	data := []byte(`{
		"action_type": "link_click",
		"value": "12",
		"1d_click": "3",
		"7d_click": "5",
		"28d_click": "12"
	}`)

	var entry ActionEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}

	if got, want := entry.ActionType, "link_click"; got != want {
		t.Errorf("action type got %q want %q", got, want)
	}
	want := map[string]string{
		"value": "12", "1d_click": "3", "7d_click": "5", "28d_click": "12",
	}
	if diff := cmp.Diff(want, entry.Values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if got, want := entry.Window("7d_click"), "5"; got != want {
		t.Errorf("window 7d_click got %q want %q", got, want)
	}
	if got, want := entry.Window("1d_view"), ""; got != want {
		t.Errorf("absent window got %q want empty", got)
	}
}

func TestGraphTimeUnmarshal(t *testing.T) {

	tests := []struct {
		name string
		json string
		want time.Time
	}{
		{
			name: "graph timestamp",
			json: `"2019-10-01T12:30:00+0000"`,
			want: time.Date(2019, 10, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name: "plain date",
			json: `"2019-10-01"`,
			want: time.Date(2019, 10, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "null is zero",
			json: `null`,
			want: time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gt GraphTime
			if err := json.Unmarshal([]byte(tt.json), &gt); err != nil {
				t.Fatalf("unexpected unmarshal error: %v", err)
			}
			if !gt.Time.Equal(tt.want) {
				t.Errorf("got %v want %v", gt.Time, tt.want)
			}
		})
	}
}

func TestInsightRecordUnmarshal(t *testing.T) {

	data := []byte(`{
		"ad_id": "1001",
		"adset_id": "2001",
		"campaign_id": "3001",
		"account_id": "22612640",
		"date_start": "2019-09-17",
		"date_stop": "2019-09-17",
		"spend": "15.20",
		"impressions": "5400",
		"actions": [
			{"action_type": "link_click", "value": "12", "7d_click": "5"},
			{"action_type": "omni_purchase", "value": "2", "1d_view": "1", "7d_click": "1"}
		],
		"action_values": [
			{"action_type": "omni_purchase", "value": "99.50", "7d_click": "49.75"}
		]
	}`)

	var rec InsightRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if got, want := rec.AdID, "1001"; got != want {
		t.Errorf("ad id got %q want %q", got, want)
	}
	if got, want := len(rec.Actions), 2; got != want {
		t.Fatalf("actions length got %d want %d", got, want)
	}
	if got, want := rec.Actions[1].ActionType, "omni_purchase"; got != want {
		t.Errorf("second action type got %q want %q", got, want)
	}
	if got, want := len(rec.ActionValues), 1; got != want {
		t.Fatalf("action values length got %d want %d", got, want)
	}
	if got, want := rec.ActionValues[0].Window("7d_click"), "49.75"; got != want {
		t.Errorf("action value window got %q want %q", got, want)
	}
}
