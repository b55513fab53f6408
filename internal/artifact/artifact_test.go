package artifact

import (
	"strings"
	"testing"
	"time"

	"github.com/fredericksapp/banksync/internal/domain"
)

func TestTraceName(t *testing.T) {
	runDate := time.Date(2026, 8, 30, 14, 30, 0, 0, time.UTC)

	name := TraceName(runDate, domain.InstitutionRogersBank)

	if !strings.HasPrefix(name, "2026-08-30-rogers-bank-") {
		t.Errorf("TraceName = %s, want prefix 2026-08-30-rogers-bank-", name)
	}
	if !strings.HasSuffix(name, ".zip") {
		t.Errorf("TraceName = %s, want .zip suffix", name)
	}

	// The random suffix keeps concurrent failures from colliding.
	if other := TraceName(runDate, domain.InstitutionRogersBank); other == name {
		t.Error("Expected distinct names for repeated calls")
	}
}
