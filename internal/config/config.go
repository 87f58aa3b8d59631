package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures environment driven configuration for the check-in
// terminal and the bundled development backend.
type Config struct {
	APIBaseURL      string
	CredentialsFile string
	ScannerDevice   string
	ScanRate        int
	HTTPTimeout     time.Duration

	Port      string
	SQLiteDSN string
}

// Load reads a .env file when present and parses configuration from
// the process environment, applying defaults for optional values and
// reporting every invalid entry at once.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg := Config{
		APIBaseURL:      "http://localhost:8080/api/v1",
		CredentialsFile: defaultCredentialsFile(),
		ScanRate:        4,
		HTTPTimeout:     30 * time.Second,
		Port:            "8080",
		SQLiteDSN:       "file:kea-checkin.db?_foreign_keys=on",
	}

	invalid := make([]string, 0, 2)

	if v := strings.TrimSpace(os.Getenv("KEA_API_BASE_URL")); v != "" {
		cfg.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("KEA_CREDENTIALS_FILE")); v != "" {
		cfg.CredentialsFile = v
	}
	if v := strings.TrimSpace(os.Getenv("KEA_SCANNER_DEVICE")); v != "" {
		cfg.ScannerDevice = v
	}
	if v := strings.TrimSpace(os.Getenv("KEA_SCAN_RATE")); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			invalid = append(invalid, "KEA_SCAN_RATE")
		} else {
			cfg.ScanRate = rate
		}
	}
	if v := strings.TrimSpace(os.Getenv("KEA_HTTP_TIMEOUT")); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil || timeout <= 0 {
			invalid = append(invalid, "KEA_HTTP_TIMEOUT")
		} else {
			cfg.HTTPTimeout = timeout
		}
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("KEA_SQLITE_DSN")); v != "" {
		cfg.SQLiteDSN = v
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variables: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

func defaultCredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kea-credentials.json"
	}
	return filepath.Join(home, ".kea-checkin", "credentials.json")
}
