// Package partition splits a unit count into contiguous per-worker ranges.
package partition

// Range is a half-open interval [Start, End) of unit ids.
type Range struct {
	Start int
	End   int
}

// Len returns the number of units in the range.
func (r Range) Len() int { return r.End - r.Start }

// Units expands the range into its unit ids in ascending order.
func (r Range) Units() []int {
	units := make([]int, 0, r.Len())
	for id := r.Start; id < r.End; id++ {
		units = append(units, id)
	}
	return units
}

// Split divides total units starting at start across workers contiguous,
// non-overlapping ranges. The first total%workers ranges get one extra unit,
// so sizes differ by at most one. A total of zero yields all-empty ranges.
func Split(total, workers, start int) []Range {
	quotient := total / workers
	remainder := total % workers

	ranges := make([]Range, workers)
	next := start
	for i := range ranges {
		size := quotient
		if i < remainder {
			size++
		}
		ranges[i] = Range{Start: next, End: next + size}
		next += size
	}
	return ranges
}
