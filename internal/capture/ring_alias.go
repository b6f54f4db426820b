package capture

import "github.com/enscrypted/gecko/internal/ring"

// Ring is the SPSC capture ring type (spec §4.6), re-exported here so the
// CaptureSource contract can name it without every backend importing
// internal/ring under a different local name.
type Ring = ring.Ring

// NewRing constructs a ring sized to hold capacityHint samples, rounded
// up to the next power of two.
func NewRing(capacityHint int) *Ring { return ring.New(capacityHint) }
