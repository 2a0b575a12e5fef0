package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
standup:
  enabled: true
  sourcecalendarid: team@example.com
  lookahead: 1w
  regex: standup
  smtp: smtp.example.com:587
  from: kronos@example.com
  to: team@example.com
  subject: Standup next week
  body: "Standup on %{event_date}"
payroll:
  enabled: false
  sourcecalendarid: finance@example.com
  lookahead: 1m 3d
  regex: payroll
  smtp: mail.example.com
  from: kronos@example.com
  to: finance@example.com
  subject: Payroll
  body: Payroll on %{event_date}
anniversary:
  enabled: true
  sourcecalendarid: https://example.com/family.ics
  lookahead: 2weeks
  regex: anniversary
  smtp: mail.example.com
  from: kronos@example.com
  to: me@example.com
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Len(t, cfg.Triggers, 3)
	assert.Equal(t, "standup", cfg.Triggers[0].Name)
	assert.Equal(t, "payroll", cfg.Triggers[1].Name)
	assert.Equal(t, "anniversary", cfg.Triggers[2].Name)

	standup := cfg.Triggers[0]
	assert.True(t, standup.Enabled)
	assert.Equal(t, "team@example.com", standup.SourceCalendarID)
	assert.Equal(t, 1, standup.Offset.Weeks)
	assert.Equal(t, "smtp.example.com", standup.Host)
	assert.Equal(t, 587, standup.Port)
	assert.Equal(t, "Standup on %{event_date}", standup.Body)

	payroll := cfg.Triggers[1]
	assert.False(t, payroll.Enabled)
	assert.Equal(t, 25, payroll.Port)
	assert.Equal(t, 1, payroll.Offset.Months)
	assert.Equal(t, 3, payroll.Offset.Days)

	// "2weeks" is read as two weeks by the lenient parser but still reported.
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "anniversary")
	assert.Equal(t, 2, cfg.Triggers[2].Offset.Weeks)
}

func TestActiveInactive(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	var active, inactive []string
	for _, tr := range cfg.Active() {
		active = append(active, tr.Name)
	}
	for _, tr := range cfg.Inactive() {
		inactive = append(inactive, tr.Name)
	}
	assert.Equal(t, []string{"standup", "anniversary"}, active)
	assert.Equal(t, []string{"payroll"}, inactive)

	tr, ok := cfg.Lookup("payroll")
	require.True(t, ok)
	assert.Equal(t, "finance@example.com", tr.SourceCalendarID)

	_, ok = cfg.Lookup("missing")
	assert.False(t, ok)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "not a mapping",
			yaml:    "- a\n- b\n",
			wantErr: "expected a mapping of trigger names",
		},
		{
			name:    "trigger not a mapping",
			yaml:    "standup: yes please\n",
			wantErr: "expected a mapping",
		},
		{
			name:    "unknown key",
			yaml:    "standup:\n  enabled: false\n  lookahaed: 1w\n",
			wantErr: `unknown key "lookahaed"`,
		},
		{
			name:    "missing required keys",
			yaml:    "standup:\n  enabled: true\n  regex: x\n",
			wantErr: "missing required keys [sourcecalendarid smtp from to]",
		},
		{
			name:    "invalid regex",
			yaml:    "standup:\n  enabled: true\n  sourcecalendarid: team\n  smtp: mail\n  from: a@x.com\n  to: b@x.com\n  regex: \"(\"\n",
			wantErr: "invalid regex",
		},
		{
			name:    "invalid smtp",
			yaml:    "standup:\n  enabled: true\n  sourcecalendarid: team\n  smtp: host:port\n  from: a@x.com\n  to: b@x.com\n",
			wantErr: "invalid smtp port",
		},
		{
			name:    "wrong type",
			yaml:    "standup:\n  enabled: sometimes\n",
			wantErr: "standup",
		},
		{
			name:    "duplicate trigger",
			yaml:    "a:\n  enabled: false\na:\n  enabled: false\n",
			wantErr: "",
		},
		{
			name:    "invalid yaml",
			yaml:    "a: [\n",
			wantErr: "invalid yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDisabledNeedsNoRequiredKeys(t *testing.T) {
	cfg, err := Parse([]byte("draft:\n  regex: later\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Triggers, 1)
	assert.False(t, cfg.Triggers[0].Enabled)
}

func TestParseDisabledWithInvalidFields(t *testing.T) {
	cfg, err := Parse([]byte("draft:\n  regex: \"(\"\n  smtp: host:port\nother:\n  smtp: host:0\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Triggers, 2)

	draft := cfg.Triggers[0]
	assert.False(t, draft.Enabled)
	assert.Equal(t, "(", draft.Pattern)
	assert.False(t, draft.MatchesSummary("("))

	require.Len(t, cfg.Warnings, 2)
	assert.Contains(t, cfg.Warnings[0], "invalid regex")
	assert.Contains(t, cfg.Warnings[0], "ignored while disabled")
	assert.Contains(t, cfg.Warnings[1], "invalid smtp port")
	assert.Empty(t, cfg.Active())
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Triggers)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Triggers, 3)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load("")
	assert.Error(t, err)
}
