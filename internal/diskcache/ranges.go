package diskcache

import "sort"

// Range is a contiguous byte range in the sparse address space.
type Range struct {
	// Offset is the starting byte position.
	Offset int64
	// Length is the number of bytes in this range.
	Length int64
}

// End returns the exclusive end byte position (Offset + Length).
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// beyond reports whether [off, off+n) ends past limit. off and n must not be
// negative.
func beyond(off, n, limit int64) bool {
	return off > limit || n > limit-off
}

// mergeRanges takes a slice of ranges and returns a new slice with overlapping
// or adjacent ranges merged. The returned slice is sorted by offset.
func mergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Length > 0 {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	merged := make([]Range, 0, len(sorted))
	current := sorted[0]

	for i := 1; i < len(sorted); i++ {
		next := sorted[i]
		if next.Offset <= current.End() {
			if next.End() > current.End() {
				current.Length = next.End() - current.Offset
			}
		} else {
			merged = append(merged, current)
			current = next
		}
	}
	merged = append(merged, current)

	return merged
}

// intersectRanges returns the bytes covered by both a and b, merged.
func intersectRanges(a, b []Range) []Range {
	a, b = mergeRanges(a), mergeRanges(b)
	var out []Range
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Offset, b[j].Offset)
		end := min(a[i].End(), b[j].End())
		if start < end {
			out = append(out, Range{Offset: start, Length: end - start})
		}
		if a[i].End() < b[j].End() {
			i++
		} else {
			j++
		}
	}
	return out
}

// subtractRange returns the parts of ranges not covered by r.
func subtractRange(ranges []Range, r Range) []Range {
	var out []Range
	for _, x := range mergeRanges(ranges) {
		if x.End() <= r.Offset || x.Offset >= r.End() {
			out = append(out, x)
			continue
		}
		if x.Offset < r.Offset {
			out = append(out, Range{Offset: x.Offset, Length: r.Offset - x.Offset})
		}
		if x.End() > r.End() {
			out = append(out, Range{Offset: r.End(), Length: x.End() - r.End()})
		}
	}
	return out
}

// totalCoverage returns the total number of bytes covered by the ranges.
func totalCoverage(ranges []Range) int64 {
	var total int64
	for _, r := range mergeRanges(ranges) {
		total += r.Length
	}
	return total
}

// containsRange returns true if the given offset and length are fully covered
// by the existing ranges.
func containsRange(ranges []Range, offset, length int64) bool {
	if len(ranges) == 0 {
		return false
	}

	end := offset + length
	for _, r := range mergeRanges(ranges) {
		if r.Offset <= offset && r.End() >= end {
			return true
		}
	}
	return false
}

// equalRanges reports whether a and b cover exactly the same bytes.
func equalRanges(a, b []Range) bool {
	a, b = mergeRanges(a), mergeRanges(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
