package schedule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const presetJSON = `{
  "ISTJ": {
    "weeklySchedule": {"Monday": "專注工作", "Tuesday": "整理資料"},
    "dailySchedule": [
      {"time": "20:00", "action": "睡覺", "target": "Apartment_F1"},
      {"time": "7:00", "action": "起床"},
      {"time": "08-00", "action": "學習", "target": "School"}
    ]
  }
}`

func TestNormalizeHM(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"07:00", "07-00", true},
		{"7:5", "07-05", true},
		{"23-59", "23-59", true},
		{"24:00", "", false},
		{"不是時間", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeHM(tt.in)
		if tt.ok {
			require.NoError(t, err, "NormalizeHM(%q)", tt.in)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, "NormalizeHM(%q)", tt.in)
		}
	}
}

func TestAddMinutesWraps(t *testing.T) {
	got, err := AddMinutes("23-30", 60)
	require.NoError(t, err)
	assert.Equal(t, "00-30", got)

	got, err = AddMinutes("07-00", 90)
	require.NoError(t, err)
	assert.Equal(t, "08-30", got)
}

func TestParseStoreNormalizesAndSorts(t *testing.T) {
	store, err := ParseStore([]byte(presetJSON))
	require.NoError(t, err)

	sched, ok := store.Get("istj")
	require.True(t, ok)
	require.Len(t, sched.Daily, 3)

	assert.Equal(t, "07-00", sched.Daily[0].Start)
	assert.Equal(t, "起床", sched.Daily[0].Action)
	// Missing target defaults to the action itself.
	assert.Equal(t, "起床", sched.Daily[0].Target)
	assert.Equal(t, "08-00", sched.Daily[1].Start)
	assert.Equal(t, "School", sched.Daily[1].Target)
	assert.Equal(t, "20-00", sched.Daily[2].Start)

	assert.Equal(t, "07-00", sched.Wake)
	assert.Equal(t, "21-00", sched.Sleep)
	assert.Equal(t, "專注工作", sched.Weekly["Monday"])
}

func TestParseStoreRoundTrip(t *testing.T) {
	first, err := ParseStore([]byte(presetJSON))
	require.NoError(t, err)
	second, err := ParseStore([]byte(presetJSON))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	require.NoError(t, os.WriteFile(path, []byte(presetJSON), 0o644))

	store, err := LoadStore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ISTJ"}, store.Names())

	_, err = LoadStore(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRollout(t *testing.T) {
	entries := Rollout("07-00", []Task{
		{Label: "工作", Minutes: 240},
		{Label: "無效", Minutes: 0},
		{Label: "午餐", Minutes: 60},
	})
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Action: "醒來", Target: "醒來", Start: "07-00"}, entries[0])
	assert.Equal(t, Entry{Action: "工作", Target: "工作", Start: "07-00"}, entries[1])
	assert.Equal(t, Entry{Action: "午餐", Target: "午餐", Start: "11-00"}, entries[2])
}

func TestRolloutBadWakeTime(t *testing.T) {
	entries := Rollout("壞時間", []Task{{Label: "工作", Minutes: 60}})
	require.NotEmpty(t, entries)
	assert.Equal(t, "07-00", entries[0].Start)
}

func TestExtractWakeTime(t *testing.T) {
	assert.Equal(t, "07-30", ExtractWakeTime("我大約 07:30 起床", "06-00"))
	assert.Equal(t, "22-15", ExtractWakeTime("22-15", "06-00"))
	assert.Equal(t, "06-00", ExtractWakeTime("清晨吧", "06-00"))
}

func TestCurrentItem(t *testing.T) {
	entries := []Entry{
		{Action: "醒來", Target: "Apartment_F1", Start: "07-00"},
		{Action: "學習", Target: "School", Start: "08-00"},
		{Action: "睡覺", Target: "Apartment_F1", Start: "20-00"},
	}

	item, ok := CurrentItem(entries, "07-30")
	require.True(t, ok)
	assert.Equal(t, "醒來", item.Action)

	item, ok = CurrentItem(entries, "08-00")
	require.True(t, ok)
	assert.Equal(t, "學習", item.Action)

	item, ok = CurrentItem(entries, "23-00")
	require.True(t, ok)
	assert.Equal(t, "睡覺", item.Action)

	_, ok = CurrentItem(entries, "06-00")
	assert.False(t, ok)

	_, ok = CurrentItem(nil, "07-00")
	assert.False(t, ok)

	_, ok = CurrentItem(entries, "亂碼")
	assert.False(t, ok)
}
