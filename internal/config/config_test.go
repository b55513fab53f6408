package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredericksapp/banksync/internal/domain"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("YNAB_TOKEN", "token")
	t.Setenv("YNAB_BUDGET_ID", "budget")
	t.Setenv("CREDENTIALS_FILE", "/etc/banksync/credentials.yaml")
	t.Setenv("INSTITUTIONS", "bmo, tangerine")
}

func TestFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TZ_NAME", "America/Toronto")
	t.Setenv("ACCOUNT_ID_NAMESPACE", "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	t.Setenv("OTP_TIMEOUT", "90s")
	t.Setenv("FRESHNESS_WINDOW", "240h")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []domain.Institution{domain.InstitutionBMO, domain.InstitutionTangerine}, cfg.Institutions)
	assert.Equal(t, "token", cfg.YNABToken)
	assert.Equal(t, "budget", cfg.YNABBudgetID)
	assert.Equal(t, "America/Toronto", cfg.Timezone.String())
	assert.Equal(t, uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), cfg.Namespace)
	assert.Equal(t, 90*time.Second, cfg.OTPTimeout)
	assert.Equal(t, 240*time.Hour, cfg.Window)
	assert.Zero(t, cfg.Horizon)
}

func TestFromEnv_ReportsAllMissing(t *testing.T) {
	t.Setenv("YNAB_TOKEN", "")
	t.Setenv("YNAB_BUDGET_ID", "")
	t.Setenv("CREDENTIALS_FILE", "")
	t.Setenv("INSTITUTIONS", "")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YNAB_TOKEN")
	assert.Contains(t, err.Error(), "YNAB_BUDGET_ID")
	assert.Contains(t, err.Error(), "CREDENTIALS_FILE")
	assert.Contains(t, err.Error(), "INSTITUTIONS")
}

func TestFromEnv_UnknownInstitution(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("INSTITUTIONS", "bmo,scotiabank")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scotiabank")
}

func TestFromEnv_BadDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OTP_TIMEOUT", "ninety seconds")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTP_TIMEOUT")
}

const credentialsYAML = `
institutions:
  bmo:
    username: card-number
    password: hunter2
  tangerine:
    username: client-1
    password: pin-1234
    security_answers:
      "What was your first pet's name?": Rex
`

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte(credentialsYAML), 0o600))

	creds, err := LoadCredentials(path, []domain.Institution{domain.InstitutionBMO, domain.InstitutionTangerine})
	require.NoError(t, err)

	assert.Equal(t, "card-number", creds[domain.InstitutionBMO].Username)
	assert.Equal(t, "hunter2", creds[domain.InstitutionBMO].Password)
	assert.Equal(t, "Rex", creds[domain.InstitutionTangerine].SecurityAnswers["What was your first pet's name?"])
}

func TestParseCredentials_MissingInstitution(t *testing.T) {
	_, err := parseCredentials([]byte(credentialsYAML), []domain.Institution{domain.InstitutionNBDB})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nbdb")
}

func TestParseCredentials_IncompleteEntry(t *testing.T) {
	data := []byte("institutions:\n  bmo:\n    username: only-user\n")
	_, err := parseCredentials(data, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing username or password")
}

func TestParseCredentials_UnknownInstitution(t *testing.T) {
	data := []byte("institutions:\n  scotiabank:\n    username: u\n    password: p\n")
	_, err := parseCredentials(data, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scotiabank")
}
