package usage

import "time"

// Bucket is the granularity of a time series.
type Bucket string

const (
	BucketAuto   Bucket = "auto"
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
)

// Valid reports whether b is a known bucket granularity.
func (b Bucket) Valid() bool {
	switch b {
	case BucketAuto, BucketMinute, BucketHour, BucketDay:
		return true
	}
	return false
}

// Span returns the duration of one bucket. Auto has no fixed span.
func (b Bucket) Span() time.Duration {
	switch b {
	case BucketMinute:
		return time.Minute
	case BucketHour:
		return time.Hour
	case BucketDay:
		return 24 * time.Hour
	}
	return 0
}

// AutoBucket picks a granularity for a range: minute for ranges up to
// 3 hours, hour up to 3 days, day beyond that. The thresholds are
// inclusive. This is a PURE function.
func AutoBucket(rangeDur time.Duration) Bucket {
	switch {
	case rangeDur <= 3*time.Hour:
		return BucketMinute
	case rangeDur <= 3*24*time.Hour:
		return BucketHour
	default:
		return BucketDay
	}
}

// TimeBucketPoint is one point of a time series: aligned bucket start
// plus per-kind counts. Buckets with no events carry all-zero counts.
type TimeBucketPoint struct {
	BucketStart time.Time       `json:"bucketStart"`
	PerKind     map[Kind]Counts `json:"perKind"`
}

// Timeseries buckets events over [start, end). The output contains one
// point per aligned bucket spanning the range - no gaps, no extras -
// so chart rendering never needs gap-filling. kinds filters the series
// (nil means all known kinds); status filters counted events ("" means
// all). bucket=auto resolves from the range length.
// This is a PURE function.
func Timeseries(events []Event, start, end time.Time, bucket Bucket, kinds []Kind, status Status) []TimeBucketPoint {
	if !end.After(start) {
		return []TimeBucketPoint{}
	}
	if bucket == BucketAuto || bucket == "" {
		bucket = AutoBucket(end.Sub(start))
	}
	span := bucket.Span()

	if len(kinds) == 0 {
		kinds = Kinds
	}
	wanted := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	// Zero-filled aligned buckets covering [start, end).
	first := start.UTC().Truncate(span)
	var points []TimeBucketPoint
	index := make(map[time.Time]int)
	for bs := first; bs.Before(end); bs = bs.Add(span) {
		perKind := make(map[Kind]Counts, len(kinds))
		for _, k := range kinds {
			perKind[k] = Counts{}
		}
		index[bs] = len(points)
		points = append(points, TimeBucketPoint{BucketStart: bs, PerKind: perKind})
	}

	for _, e := range events {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		if !wanted[e.Kind] {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		i, ok := index[e.Timestamp.UTC().Truncate(span)]
		if !ok {
			continue
		}
		points[i].PerKind[e.Kind] = points[i].PerKind[e.Kind].Add(e.Status)
	}

	return points
}

// RollupPoint is one daily or monthly aggregate.
type RollupPoint struct {
	Period  string          `json:"period"` // "2006-01-02" for daily, "2006-01" for monthly
	PerKind map[Kind]Counts `json:"perKind"`
	Total   Counts          `json:"total"`
}

// RollupDaily aggregates the trailing days ending at now's day (UTC),
// one point per day, oldest first. This is a PURE function.
func RollupDaily(events []Event, days int, now time.Time) []RollupPoint {
	if days <= 0 {
		return []RollupPoint{}
	}
	today := startOfDayUTC(now)
	start := today.AddDate(0, 0, -(days - 1))
	end := today.AddDate(0, 0, 1)

	points := Timeseries(events, start, end, BucketDay, nil, "")
	out := make([]RollupPoint, 0, len(points))
	for _, p := range points {
		out = append(out, RollupPoint{
			Period:  p.BucketStart.Format("2006-01-02"),
			PerKind: p.PerKind,
			Total:   sumCounts(p.PerKind),
		})
	}
	return out
}

// RollupMonthly aggregates the trailing calendar months ending at now's
// month (UTC), grouping day buckets by month. This is a PURE function.
func RollupMonthly(events []Event, months int, now time.Time) []RollupPoint {
	if months <= 0 {
		return []RollupPoint{}
	}
	thisMonth := startOfMonthUTC(now)
	start := thisMonth.AddDate(0, -(months - 1), 0)
	end := thisMonth.AddDate(0, 1, 0)

	// Zero-fill every month in range so empty months still appear.
	byMonth := make(map[string]*RollupPoint, months)
	var order []string
	for m := start; m.Before(end); m = m.AddDate(0, 1, 0) {
		period := m.Format("2006-01")
		perKind := make(map[Kind]Counts, len(Kinds))
		for _, k := range Kinds {
			perKind[k] = Counts{}
		}
		byMonth[period] = &RollupPoint{Period: period, PerKind: perKind}
		order = append(order, period)
	}

	for _, p := range Timeseries(events, start, end, BucketDay, nil, "") {
		month, ok := byMonth[p.BucketStart.Format("2006-01")]
		if !ok {
			continue
		}
		for k, c := range p.PerKind {
			month.PerKind[k] = month.PerKind[k].Merge(c)
		}
	}

	out := make([]RollupPoint, 0, len(order))
	for _, period := range order {
		p := byMonth[period]
		p.Total = sumCounts(p.PerKind)
		out = append(out, *p)
	}
	return out
}

func sumCounts(perKind map[Kind]Counts) Counts {
	var total Counts
	for _, c := range perKind {
		total = total.Merge(c)
	}
	return total
}

func startOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonthUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
