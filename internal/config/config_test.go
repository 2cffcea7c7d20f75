package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database:
  path: /var/lib/mailclerk/state.db
batch:
  deadline_seconds: 120
mailboxes:
  - name: Support
    behavior: both
    email_storage: delete
    use_message_id_as_uid: true
    steps:
      reference:
        title_patterns:
          - '\[#(\d+)\]'
      size:
        max_bytes: 10485760
        behavior: bounce_delete
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailclerk.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Mailboxes, 1)
	mb := cfg.Mailboxes[0]
	assert.Equal(t, "INBOX", mb.Folder)
	assert.Equal(t, "mark_as_error", mb.ErrorBehavior)
	assert.Equal(t, 7, mb.UndesiredPurgeDelayDays)
	assert.Equal(t, 24*7, mb.RetentionPeriodHours)
	assert.Equal(t, int64(512*1024), mb.ContentsByteCeiling)
	assert.Equal(t, 120, cfg.Batch.DeadlineSeconds)
	assert.Equal(t, int64(10485760), mb.Steps.Size.MaxBytes)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			message: "database.path",
		},
		{
			name:    "no mailboxes",
			mutate:  func(c *Config) { c.Mailboxes = nil },
			message: "at least one mailbox",
		},
		{
			name:    "bad behavior",
			mutate:  func(c *Config) { c.Mailboxes[0].Behavior = "maybe" },
			message: "unsupported behavior",
		},
		{
			name: "move without folder",
			mutate: func(c *Config) {
				c.Mailboxes[0].EmailStorage = StorageMove
				c.Mailboxes[0].MoveFolder = ""
			},
			message: "requires move_folder",
		},
		{
			name: "invalid pattern",
			mutate: func(c *Config) {
				c.Mailboxes[0].Steps.Sender.BlockedPatterns = []string{"("}
			},
			message: "invalid pattern",
		},
		{
			name: "duplicate mailbox name",
			mutate: func(c *Config) {
				c.Mailboxes = append(c.Mailboxes, c.Mailboxes[0])
			},
			message: "defined twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleConfig))
			require.NoError(t, err)
			tt.mutate(&cfg)
			err = Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestIMAPEnvFromEnv(t *testing.T) {
	t.Setenv(envIMAPHost, "imap.example.com")
	t.Setenv(envIMAPPort, "993")
	t.Setenv(envIMAPUser, "clerk")
	t.Setenv(envIMAPPass, "secret")

	env, err := IMAPEnvFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "imap.example.com", env.Host)
	assert.Equal(t, 993, env.Port)
}

func TestIMAPEnvFromEnvMissing(t *testing.T) {
	t.Setenv(envIMAPHost, "")
	t.Setenv(envIMAPPort, "")
	t.Setenv(envIMAPUser, "")
	t.Setenv(envIMAPPass, "")

	_, err := IMAPEnvFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), envIMAPHost)
}
