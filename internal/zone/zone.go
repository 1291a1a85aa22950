// Package zone classifies world zone ids and loads street-branch visibility
// data. Playgrounds stand alone; street zones belong to a branch whose
// visibility file maps each zone to the set of zones a player there can see.
package zone

// QuietZone is the sentinel zone a client always has interest in. It never
// carries player avatars to clients.
const QuietZone uint32 = 1

// IsPlayground reports whether z is a playground hub zone.
func IsPlayground(z uint32) bool {
	return z != 0 && z%1000 == 0
}

// IsStreet reports whether z is a street zone inside a branch.
func IsStreet(z uint32) bool {
	return z != 0 && z != QuietZone && !IsPlayground(z)
}

// BranchZone derives the street branch of z by discarding the within-branch
// low bits. For playground zones it returns z itself.
func BranchZone(z uint32) uint32 {
	return z - z%100
}

// VisStore is one branch's visibility table: zone -> zones visible from it.
type VisStore map[uint32][]uint32

// Visible returns the zones visible from z, nil if z is not in the table.
func (s VisStore) Visible(z uint32) []uint32 { return s[z] }

// EffectiveInterest computes the interest set a client in zone z must hold.
// Playgrounds see themselves plus the quiet zone. Streets see their
// visibility list, the branch zone, and the quiet zone. The store argument
// is only consulted for street zones and may be nil otherwise.
func EffectiveInterest(z uint32, store VisStore) map[uint32]struct{} {
	set := map[uint32]struct{}{QuietZone: {}}
	if z == 0 || z == QuietZone {
		return set
	}
	set[z] = struct{}{}
	if !IsStreet(z) {
		return set
	}
	set[BranchZone(z)] = struct{}{}
	for _, v := range store.Visible(z) {
		set[v] = struct{}{}
	}
	return set
}
