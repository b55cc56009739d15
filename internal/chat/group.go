package chat

import (
	"sort"
	"time"
)

// DateGroup is a run of messages sharing a calendar day.
type DateGroup struct {
	Day      time.Time `json:"day"`
	Label    string    `json:"label"`
	Messages []Message `json:"messages"`
}

// GroupByDate sorts messages by CreatedAt ascending and splits them by
// calendar day in loc. Labels are "Today", "Yesterday" or "Jan 2" relative
// to now. The input slice is not modified.
func GroupByDate(msgs []Message, now time.Time, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var groups []DateGroup
	for _, m := range sorted {
		day := startOfDay(m.CreatedAt, loc)
		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DateGroup{Day: day, Label: dayLabel(day, now, loc)})
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, m)
	}
	return groups
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func dayLabel(day, now time.Time, loc *time.Location) string {
	today := startOfDay(now, loc)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case day.Year() == today.Year():
		return day.Format("Jan 2")
	default:
		return day.Format("Jan 2, 2006")
	}
}
