package domain

import "fmt"

// Institution identifies a financial provider with its own login flow
// and response schema.
type Institution string

const (
	InstitutionBMO        Institution = "bmo"
	InstitutionTangerine  Institution = "tangerine"
	InstitutionRogersBank Institution = "rogers-bank"
	InstitutionManulife   Institution = "manulife-bank"
	InstitutionNBDB       Institution = "nbdb"
)

// institutionNames maps institution keys to their display names.
var institutionNames = map[Institution]string{
	InstitutionBMO:        "BMO",
	InstitutionTangerine:  "Tangerine",
	InstitutionRogersBank: "Rogers Bank",
	InstitutionManulife:   "Manulife Bank",
	InstitutionNBDB:       "NBDB",
}

// DisplayName returns the human-readable institution name, falling back
// to the raw key for unknown values.
func (i Institution) DisplayName() string {
	if name, ok := institutionNames[i]; ok {
		return name
	}
	return string(i)
}

// ParseInstitution validates an institution key from configuration.
func ParseInstitution(s string) (Institution, error) {
	inst := Institution(s)
	if _, ok := institutionNames[inst]; !ok {
		return "", fmt.Errorf("unknown institution %q", s)
	}
	return inst, nil
}
