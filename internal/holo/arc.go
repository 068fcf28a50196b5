package holo

// Arc is a half-closed interval on the ring u32, anchored at an agent's
// location, with a half-length in [0, 2^31]. HalfLength == 0 is the empty
// arc; HalfLength == 1<<31 is the full arc.
type Arc struct {
	Anchor     uint32
	HalfLength uint32
}

const FullArcHalfLength = uint32(1) << 31

// FullArc returns the arc covering the entire ring around anchor.
func FullArc(anchor uint32) Arc {
	return Arc{Anchor: anchor, HalfLength: FullArcHalfLength}
}

// EmptyArc returns the arc covering nothing.
func EmptyArc(anchor uint32) Arc {
	return Arc{Anchor: anchor, HalfLength: 0}
}

// Contains reports whether loc lies within the arc, walking from the anchor
// in both directions by HalfLength, wrapping on overflow.
func (a Arc) Contains(loc uint32) bool {
	if a.HalfLength == 0 {
		return false
	}
	if a.HalfLength >= FullArcHalfLength {
		return true
	}
	d := loc - a.Anchor // wraps as uint32 subtraction
	if d <= a.HalfLength {
		return true
	}
	// distance walking the other way
	d2 := a.Anchor - loc
	return d2 <= a.HalfLength
}

// Intersects reports whether two arcs share any ring position. Used by
// gossip peer selection (arc-overlap) and the common_arc_set computation.
func (a Arc) Intersects(b Arc) bool {
	if a.HalfLength == 0 || b.HalfLength == 0 {
		return false
	}
	if a.HalfLength >= FullArcHalfLength || b.HalfLength >= FullArcHalfLength {
		return true
	}
	// Sample both endpoints of each arc against the other; exact for convex
	// ring intervals since an intersection of two such intervals, if
	// non-empty, always contains at least one of the four boundary points.
	pts := []uint32{a.Anchor + a.HalfLength, a.Anchor - a.HalfLength}
	for _, p := range pts {
		if b.Contains(p) {
			return true
		}
	}
	pts2 := []uint32{b.Anchor + b.HalfLength, b.Anchor - b.HalfLength}
	for _, p := range pts2 {
		if a.Contains(p) {
			return true
		}
	}
	return a.Contains(b.Anchor) || b.Contains(a.Anchor)
}

// Intersect computes the overlap of a and b as a single arc, for use as the
// common_arc_set a gossip round enumerates ops against (spec ch. gossip
// round, step "common arc"; original_source's kitsune_p2p computes this as
// DhtArcSet::intersection over the declared arcs rather than substituting
// one side).
//
// The ring intersection of two symmetric arcs is, in general, not itself
// expressible as a single symmetric arc: e.g. on a ring of size 12, arc
// (anchor 0, half 5) and arc (anchor 6, half 5) overlap in two disjoint
// runs, {1..5} and {7..11}, not one. DhtArcSet in the original tracks an
// arbitrary union of intervals for exactly this reason; Arc here does not.
// When the true overlap is disconnected, Intersect returns only its larger
// contiguous run, which undercounts ops gossiped through the smaller run
// but never enumerates outside the real overlap the way a naive
// SelfArc-as-common-arc substitution does.
func (a Arc) Intersect(b Arc) (Arc, bool) {
	if a.HalfLength == 0 || b.HalfLength == 0 {
		return Arc{}, false
	}
	if a.HalfLength >= FullArcHalfLength {
		return b, true
	}
	if b.HalfLength >= FullArcHalfLength {
		return a, true
	}

	const ringSize = int64(1) << 32
	aLo := int64(a.Anchor - a.HalfLength)
	aSize := int64(a.HalfLength)*2 + 1
	bLo0 := int64(b.Anchor - b.HalfLength)
	bSize := int64(b.HalfLength)*2 + 1

	var bestLo, bestHi int64
	found := false
	for _, shift := range [3]int64{-ringSize, 0, ringSize} {
		bLo := bLo0 + shift
		lo := aLo
		if bLo > lo {
			lo = bLo
		}
		hi := aLo + aSize
		if bHi := bLo + bSize; bHi < hi {
			hi = bHi
		}
		if lo >= hi {
			continue
		}
		if !found || hi-lo > bestHi-bestLo {
			bestLo, bestHi, found = lo, hi, true
		}
	}
	if !found {
		return Arc{}, false
	}

	size := bestHi - bestLo
	half := uint32((size - 1) / 2)
	anchor := uint32(bestLo) + half
	return Arc{Anchor: anchor, HalfLength: half}, true
}
