package journal

import (
	"sort"

	json "github.com/goccy/go-json"
)

// Storage thresholds for the local collection.
const (
	WarningCount  = 1500
	CriticalCount = 2000
)

// YearStats summarizes entries created in one calendar year.
type YearStats struct {
	Year       int
	Count      int
	TotalBytes int
}

// Stats summarizes a collection for status reporting.
type Stats struct {
	TotalCount     int
	TotalBytes     int
	Years          []YearStats // newest year first
	NeedsBackup    bool
	NearLimit      bool
	RemainingCount int
}

// ComputeStats estimates per-year sizes from each entry's JSON encoding.
func ComputeStats(c Collection) Stats {
	byYear := make(map[int]*YearStats)
	total := 0
	for _, e := range c {
		y := e.CreatedAt.Year()
		ys, ok := byYear[y]
		if !ok {
			ys = &YearStats{Year: y}
			byYear[y] = ys
		}
		data, err := json.Marshal(e)
		if err == nil {
			ys.TotalBytes += len(data)
			total += len(data)
		}
		ys.Count++
	}

	years := make([]YearStats, 0, len(byYear))
	for _, ys := range byYear {
		years = append(years, *ys)
	}
	sort.Slice(years, func(i, j int) bool { return years[i].Year > years[j].Year })

	return Stats{
		TotalCount:     len(c),
		TotalBytes:     total,
		Years:          years,
		NeedsBackup:    len(c) >= WarningCount,
		NearLimit:      len(c) >= CriticalCount,
		RemainingCount: CriticalCount - len(c),
	}
}
