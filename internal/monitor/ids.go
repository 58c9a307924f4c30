package monitor

import (
	"github.com/google/uuid"

	"polymarket-mm/internal/priceutil"
)

// newLifecycleID mints a fresh random identifier for snapshot and lifecycle
// rows, which carry no ordering invariant.
func newLifecycleID() string {
	return uuid.NewString()
}

func parseTickSizeChange(newTick string) (int, error) {
	return priceutil.ParsePoints(newTick)
}
