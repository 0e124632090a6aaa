// Package projector derives display groups from a message list. Everything
// here is a pure function of its arguments.
package projector

import (
	"chatsync/internal/content"
	"chatsync/internal/models"
	"sort"
	"time"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"

	dayLabelLayout  = "Jan 2"
	timeLabelLayout = "15:04"
)

// Item is one message prepared for display.
type Item struct {
	Message models.Message
	IsOwn   bool
	Time    string
	HTML    string
}

// DayGroup holds the items of one local calendar day.
type DayGroup struct {
	Label string
	// Day is local midnight of the group's date.
	Day   time.Time
	Items []Item
}

type Options struct {
	CurrentUserID string
	// Now is the viewer's current time; it decides Today and Yesterday.
	Now      time.Time
	Location *time.Location
	// Render turns a message body into HTML. Defaults to content.Render.
	Render func(string) string
}

// Project groups msgs by local day in chronological order. Messages with
// equal timestamps keep their relative order.
func Project(msgs []models.Message, opts Options) []DayGroup {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	render := opts.Render
	if render == nil {
		render = content.Render
	}

	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var groups []DayGroup
	for _, msg := range sorted {
		day := startOfDay(msg.CreatedAt, loc)
		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DayGroup{
				Label: DayLabel(msg.CreatedAt, opts.Now, loc),
				Day:   day,
			})
		}
		g := &groups[len(groups)-1]
		g.Items = append(g.Items, Item{
			Message: msg,
			IsOwn:   opts.CurrentUserID != "" && msg.Sender.ID == opts.CurrentUserID,
			Time:    TimeLabel(msg.CreatedAt, loc),
			HTML:    render(msg.Content),
		})
	}
	return groups
}

// DayLabel is "Today", "Yesterday" or an abbreviated month and day, relative to now in loc.
func DayLabel(t, now time.Time, loc *time.Location) string {
	day := startOfDay(t, loc)
	today := startOfDay(now, loc)
	switch {
	case day.Equal(today):
		return LabelToday
	case day.Equal(today.AddDate(0, 0, -1)):
		return LabelYesterday
	default:
		return t.In(loc).Format(dayLabelLayout)
	}
}

// TimeLabel is the two-digit hour and minute of t in loc.
func TimeLabel(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timeLabelLayout)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
