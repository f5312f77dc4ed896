package push

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func validTask() Task {
	return Task{
		ID:      "daily-gmv",
		Name:    "Daily GMV",
		Cron:    "0 9 * * *",
		SQL:     "SELECT 1",
		Style:   StyleCard,
		Enabled: true,
	}
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Task)
		want   string
	}{
		{name: "valid", mutate: func(*Task) {}},
		{name: "missing id", mutate: func(tk *Task) { tk.ID = "" }, want: "id is required"},
		{name: "missing name", mutate: func(tk *Task) { tk.Name = "" }, want: "name is required"},
		{name: "missing cron", mutate: func(tk *Task) { tk.Cron = "" }, want: "cron is required"},
		{name: "missing sql", mutate: func(tk *Task) { tk.SQL = "" }, want: "sql is required"},
		{name: "negative rows", mutate: func(tk *Task) { tk.MaxRows = -1 }, want: "max_rows"},
		{name: "bad style", mutate: func(tk *Task) { tk.Style = "html" }, want: "unknown style"},
		{name: "relative webhook", mutate: func(tk *Task) { tk.WebhookURL = "/hook" }, want: "webhook_url"},
		{name: "https webhook", mutate: func(tk *Task) {
			tk.WebhookURL = "https://open.feishu.cn/open-apis/bot/v2/hook/abc"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			task := validTask()
			tt.mutate(&task)
			err := task.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidTask))
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTaskNormalizeDefaults(t *testing.T) {
	t.Parallel()

	task := Task{ID: " a ", Name: " Report ", SQL: " SELECT 1 "}.Normalize()
	require.Equal(t, "a", task.ID)
	require.Equal(t, "Report", task.Name)
	require.Equal(t, "SELECT 1", task.SQL)
	require.Equal(t, StyleCard, task.Style)
	require.Equal(t, "Report", task.Title)
}

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, RunStatusQueued.Terminal())
	require.False(t, RunStatusRunning.Terminal())
	require.True(t, RunStatusSucceeded.Terminal())
	require.True(t, RunStatusFailed.Terminal())
	require.True(t, RunStatusSkipped.Terminal())
}

func TestResultSetCSV(t *testing.T) {
	t.Parallel()

	rs := ResultSet{
		Columns: []string{"region", "gmv"},
		Rows:    [][]string{{"north", "12.5"}, {"south, east", "3"}},
	}
	out, err := rs.CSV()
	require.NoError(t, err)
	require.Equal(t, "region,gmv\nnorth,12.5\n\"south, east\",3\n", string(out))
	require.Equal(t, 2, rs.Len())
	require.False(t, rs.Empty())
}

func TestResultSetCanonicalDistinguishesCells(t *testing.T) {
	t.Parallel()

	a := ResultSet{Columns: []string{"a"}, Rows: [][]string{{"1", "2"}}}
	b := ResultSet{Columns: []string{"a"}, Rows: [][]string{{"12"}}}
	require.NotEqual(t, a.Canonical(), b.Canonical())
	require.Equal(t, a.Canonical(), ResultSet{Columns: []string{"a"}, Rows: [][]string{{"1", "2"}}}.Canonical())
}
