package ingest

import "time"

// SplitHours divides the half-open [from, to) into hour chunks aligned
// to hour boundaries. A to inside an hour still covers that hour: the
// chunk is the upstream fetch unit and dedupe trims the overlap.
func SplitHours(from, to time.Time) []time.Time {
	from = from.UTC().Truncate(time.Hour)
	to = to.UTC()

	hours := make([]time.Time, 0, int(to.Sub(from).Hours())+1)
	for hour := from; hour.Before(to); hour = hour.Add(time.Hour) {
		hours = append(hours, hour)
	}
	return hours
}
