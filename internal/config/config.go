// Package config loads runtime configuration. Operational settings come
// from the environment; per-institution credentials come from a YAML file
// so they can be mounted as a single secret.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fredericksapp/banksync/internal/bank"
	"github.com/fredericksapp/banksync/internal/domain"
)

// Config is everything a run needs beyond the credentials file.
type Config struct {
	Institutions []domain.Institution
	Timezone     *time.Location
	Namespace    uuid.UUID

	YNABToken    string
	YNABBudgetID string

	GmailKeyFile string
	GmailUser    string
	SMSRelayURL  string
	SMSRelayKey  string

	PushoverToken string
	PushoverUser  string
	TracesBucket  string

	CredentialsFile string

	OTPTimeout time.Duration
	Window     time.Duration
	Horizon    time.Duration
}

// FromEnv reads configuration from the environment. It reports every
// missing required variable at once rather than failing one at a time.
func FromEnv() (*Config, error) {
	cfg := &Config{
		YNABToken:       os.Getenv("YNAB_TOKEN"),
		YNABBudgetID:    os.Getenv("YNAB_BUDGET_ID"),
		GmailKeyFile:    os.Getenv("GMAIL_SERVICE_ACCOUNT_KEY_FILE"),
		GmailUser:       os.Getenv("GMAIL_USER"),
		SMSRelayURL:     os.Getenv("SMS_RELAY_URL"),
		SMSRelayKey:     os.Getenv("SMS_RELAY_API_KEY"),
		PushoverToken:   os.Getenv("PUSHOVER_TOKEN"),
		PushoverUser:    os.Getenv("PUSHOVER_USER"),
		TracesBucket:    os.Getenv("TRACES_BUCKET"),
		CredentialsFile: os.Getenv("CREDENTIALS_FILE"),
	}

	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	require("YNAB_TOKEN", cfg.YNABToken)
	require("YNAB_BUDGET_ID", cfg.YNABBudgetID)
	require("CREDENTIALS_FILE", cfg.CredentialsFile)

	raw := os.Getenv("INSTITUTIONS")
	require("INSTITUTIONS", raw)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		inst, err := domain.ParseInstitution(part)
		if err != nil {
			return nil, fmt.Errorf("parsing INSTITUTIONS: %w", err)
		}
		cfg.Institutions = append(cfg.Institutions, inst)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	tzName := os.Getenv("TZ_NAME")
	if tzName == "" {
		tzName = "America/Toronto"
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tzName, err)
	}
	cfg.Timezone = tz

	if raw := os.Getenv("ACCOUNT_ID_NAMESPACE"); raw != "" {
		ns, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing ACCOUNT_ID_NAMESPACE: %w", err)
		}
		cfg.Namespace = ns
	} else {
		cfg.Namespace = uuid.NameSpaceURL
	}

	cfg.OTPTimeout, err = durationEnv("OTP_TIMEOUT")
	if err != nil {
		return nil, err
	}
	cfg.Window, err = durationEnv("FRESHNESS_WINDOW")
	if err != nil {
		return nil, err
	}
	cfg.Horizon, err = durationEnv("IMPORT_HORIZON")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func durationEnv(name string) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return d, nil
}

type credentialsEntry struct {
	Username        string            `yaml:"username"`
	Password        string            `yaml:"password"`
	SecurityAnswers map[string]string `yaml:"security_answers,omitempty"`
}

type credentialsFile struct {
	Institutions map[string]credentialsEntry `yaml:"institutions"`
}

// LoadCredentials reads the per-institution credentials file. Every
// institution configured for the run must have an entry.
func LoadCredentials(path string, insts []domain.Institution) (map[domain.Institution]bank.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	return parseCredentials(data, insts)
}

func parseCredentials(data []byte, insts []domain.Institution) (map[domain.Institution]bank.Credentials, error) {
	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	creds := make(map[domain.Institution]bank.Credentials, len(file.Institutions))
	for name, entry := range file.Institutions {
		inst, err := domain.ParseInstitution(name)
		if err != nil {
			return nil, fmt.Errorf("credentials file: %w", err)
		}
		if entry.Username == "" || entry.Password == "" {
			return nil, fmt.Errorf("credentials file: institution %q is missing username or password", name)
		}
		creds[inst] = bank.Credentials{
			Username:        entry.Username,
			Password:        entry.Password,
			SecurityAnswers: entry.SecurityAnswers,
		}
	}

	for _, inst := range insts {
		if _, ok := creds[inst]; !ok {
			return nil, fmt.Errorf("credentials file has no entry for institution %q", inst)
		}
	}
	return creds, nil
}
