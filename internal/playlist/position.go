package playlist

import "fmt"

// Position addresses a part by media sequence number and part index.
// Positions are ordered by MSN, then part.
type Position struct {
	MSN  int64
	Part int64
}

// String returns "msn-part".
func (p Position) String() string {
	return fmt.Sprintf("%d-%d", p.MSN, p.Part)
}

// Absolute returns the absolute part index for a given number of parts per
// segment. Consecutive parts map to strictly increasing indices as long as
// every part index stays below partsPerSegment.
func (p Position) Absolute(partsPerSegment int64) int64 {
	return p.MSN*partsPerSegment + p.Part
}

// Compare returns -1, 0 or +1.
func (p Position) Compare(o Position) int {
	switch {
	case p.MSN < o.MSN:
		return -1
	case p.MSN > o.MSN:
		return 1
	case p.Part < o.Part:
		return -1
	case p.Part > o.Part:
		return 1
	}
	return 0
}

// Before reports whether p sorts before o.
func (p Position) Before(o Position) bool { return p.Compare(o) < 0 }
