package rules

import "time"

// WindowStart returns local midnight of the day `days` days before ts's local date.
// A nil location means UTC.
func WindowStart(ts time.Time, days int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, -days)
}
