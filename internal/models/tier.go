package models

// TierKind distinguishes in-process tiers from remote ones.
type TierKind int

const (
	KindLocal TierKind = iota
	KindNetworked
	KindExtended
)

// String implements fmt.Stringer.
func (k TierKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindNetworked:
		return "networked"
	case KindExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// Tier identifies one of the three cache tiers.
type Tier int

const (
	Tier1 Tier = iota + 1
	Tier2
	Tier3
)

// Tiers lists every tier from fastest to slowest.
var Tiers = []Tier{Tier1, Tier2, Tier3}

// Kind returns the storage kind of the tier.
func (t Tier) Kind() TierKind {
	switch t {
	case Tier2:
		return KindNetworked
	case Tier3:
		return KindExtended
	default:
		return KindLocal
	}
}

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case Tier1:
		return "l1"
	case Tier2:
		return "l2"
	case Tier3:
		return "l3"
	default:
		return "unknown"
	}
}

// TierMask selects a set of tiers for a write.
type TierMask uint8

const (
	MaskTier1 TierMask = 1 << iota
	MaskTier2
	MaskTier3

	MaskAll = MaskTier1 | MaskTier2 | MaskTier3
)

// Has reports whether the mask selects t.
func (m TierMask) Has(t Tier) bool {
	switch t {
	case Tier1:
		return m&MaskTier1 != 0
	case Tier2:
		return m&MaskTier2 != 0
	case Tier3:
		return m&MaskTier3 != 0
	}
	return false
}
