// Package sheets exports the review queue to Google Sheets.
package sheets

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // review timestamps use the configured zone
)

// DefaultSpreadsheetName is used when no spreadsheet is configured.
const DefaultSpreadsheetName = "Taxflow Review Queue"

// Config holds the configuration for the Google Sheets writer.
type Config struct {
	ClientID           string
	ClientSecret       string
	RefreshToken       string
	ServiceAccountPath string
	SpreadsheetID      string
	SpreadsheetName    string
	TimeZone           string
	BatchSize          int
	RetryAttempts      int
	RetryDelay         time.Duration
	EnableFormatting   bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SpreadsheetName:  DefaultSpreadsheetName,
		EnableFormatting: true,
		TimeZone:         "America/Sao_Paulo",
		BatchSize:        1000,
		RetryAttempts:    3,
		RetryDelay:       time.Second,
	}
}

// LoadFromEnv fills unset credentials from GOOGLE_SHEETS_* environment variables.
func (c *Config) LoadFromEnv() {
	setIfEmpty(&c.ClientID, "GOOGLE_SHEETS_CLIENT_ID")
	setIfEmpty(&c.ClientSecret, "GOOGLE_SHEETS_CLIENT_SECRET")
	setIfEmpty(&c.RefreshToken, "GOOGLE_SHEETS_REFRESH_TOKEN")
	setIfEmpty(&c.ServiceAccountPath, "GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH")
	setIfEmpty(&c.SpreadsheetID, "GOOGLE_SHEETS_SPREADSHEET_ID")
	if c.SpreadsheetName == "" || c.SpreadsheetName == DefaultSpreadsheetName {
		if v := os.Getenv("GOOGLE_SHEETS_SPREADSHEET_NAME"); v != "" {
			c.SpreadsheetName = v
		}
	}
}

func setIfEmpty(dst *string, env string) {
	if *dst == "" {
		*dst = os.Getenv(env)
	}
}

// authMethod names the credential set the writer will use.
func (c *Config) authMethod() (string, error) {
	oauth := c.ClientID != "" || c.ClientSecret != "" || c.RefreshToken != ""
	complete := c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
	switch {
	case complete && c.ServiceAccountPath != "":
		return "", errors.New("both OAuth2 and service account credentials are configured; keep one")
	case complete:
		return "oauth2", nil
	case c.ServiceAccountPath != "":
		return "service_account", nil
	case oauth:
		return "", errors.New("incomplete OAuth2 credentials: client id, client secret, and refresh token are all required")
	default:
		return "", errors.New("no authentication method configured")
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.authMethod(); err != nil {
		errs = append(errs, err)
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry attempts cannot be negative"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("retry delay cannot be negative"))
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			errs = append(errs, fmt.Errorf("unknown time zone %q", c.TimeZone))
		}
	}
	return errors.Join(errs...)
}
