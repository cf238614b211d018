// Package daterange splits a date interval into contiguous sub-ranges for
// report requests that are too large to fetch as a single job.
package daterange

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange reports an unsplittable range request.
var ErrInvalidRange = errors.New("invalid date range")

// Range is an inclusive date range.
type Range struct {
	Since time.Time
	Until time.Time
}

// String provides a printable representation.
func (r Range) String() string {
	return fmt.Sprintf("%s..%s", r.Since.Format("2006-01-02"), r.Until.Format("2006-01-02"))
}

// truncate floors a time to its UTC date.
func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Split divides the inclusive range [start, end] into exactly n contiguous
// sub-ranges in chronological order. The total span is divided into n
// equal-length intervals whose boundaries are floored to dates; each upper
// bound except the last is then pulled back one day so consecutive ranges do
// not share a date. The final range's upper bound always equals end.
func Split(start, end time.Time, n int) ([]Range, error) {
	start, end = truncate(start), truncate(end)

	if n <= 0 {
		return nil, fmt.Errorf("%w: %d sub-ranges requested", ErrInvalidRange, n)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s",
			ErrInvalidRange, end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	if days := int(end.Sub(start).Hours() / 24); n > 1 && n > days {
		return nil, fmt.Errorf("%w: cannot split %d days into %d sub-ranges", ErrInvalidRange, days+1, n)
	}

	// Boundary dates: start plus i equal-length steps, floored to dates,
	// with end as the final boundary.
	step := end.Sub(start) / time.Duration(n)
	boundaries := make([]time.Time, n+1)
	for i := 0; i < n; i++ {
		boundaries[i] = truncate(start.Add(time.Duration(i) * step))
	}
	boundaries[n] = end

	ranges := make([]Range, n)
	for i := 0; i < n; i++ {
		until := boundaries[i+1]
		if i < n-1 {
			until = until.AddDate(0, 0, -1)
		}
		ranges[i] = Range{Since: boundaries[i], Until: until}
	}
	return ranges, nil
}
