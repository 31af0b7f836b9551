package cronspec

import (
	"fmt"
	"strings"
	"time"

	// Triggers must resolve the same zone on hosts without a zoneinfo tree.
	_ "time/tzdata"
)

// DefaultTimezone is the zone triggers use when none is configured.
const DefaultTimezone = "Europe/Warsaw"

// LoadLocation resolves the configured trigger zone. Empty means
// DefaultTimezone. The host zone ("Local") is refused so next-run times never
// depend on the machine's TZ setting.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultTimezone
	}
	if strings.EqualFold(tz, "local") {
		return nil, fmt.Errorf("timezone %q: the host zone is not allowed, use an IANA name", tz)
	}
	return time.LoadLocation(tz)
}
