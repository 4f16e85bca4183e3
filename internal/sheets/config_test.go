package sheets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	valid.ServiceAccountPath = "/keys/reviewer.json"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr []string
	}{
		{name: "service account", mutate: func(*Config) {}},
		{
			name: "complete oauth",
			mutate: func(c *Config) {
				c.ServiceAccountPath = ""
				c.ClientID, c.ClientSecret, c.RefreshToken = "id", "secret", "refresh"
			},
		},
		{
			name: "service account wins over partial oauth",
			mutate: func(c *Config) {
				c.ClientID = "id"
			},
		},
		{
			name: "incomplete oauth",
			mutate: func(c *Config) {
				c.ServiceAccountPath = ""
				c.ClientID, c.RefreshToken = "id", "refresh"
			},
			wantErr: []string{"incomplete OAuth2 credentials"},
		},
		{
			name: "both methods",
			mutate: func(c *Config) {
				c.ClientID, c.ClientSecret, c.RefreshToken = "id", "secret", "refresh"
			},
			wantErr: []string{"keep one"},
		},
		{
			name:    "no credentials",
			mutate:  func(c *Config) { c.ServiceAccountPath = "" },
			wantErr: []string{"no authentication method configured"},
		},
		{
			name: "every problem is reported",
			mutate: func(c *Config) {
				c.BatchSize = 0
				c.RetryDelay = -time.Second
				c.TimeZone = "Mars/Olympus"
			},
			wantErr: []string{"batch size must be positive", "retry delay cannot be negative", `unknown time zone "Mars/Olympus"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, msg := range tt.wantErr {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_SHEETS_CLIENT_ID", "env-id")
	t.Setenv("GOOGLE_SHEETS_SPREADSHEET_NAME", "Pharma review")
	t.Setenv("GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH", "/env/key.json")

	cfg := DefaultConfig()
	cfg.ServiceAccountPath = "/configured/key.json"
	cfg.LoadFromEnv()

	assert.Equal(t, "env-id", cfg.ClientID)
	assert.Equal(t, "/configured/key.json", cfg.ServiceAccountPath, "configured values are kept")
	assert.Equal(t, "Pharma review", cfg.SpreadsheetName, "the default name yields to the environment")
}
