package executors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/kalambet/commander/internal/storage"
)

const defaultMeetingMinutes = 30

// CalDAVConfig locates the calendar meetings are written to.
type CalDAVConfig struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarPath string
}

// Calendar writes schedule_meeting actions as VEVENTs to a CalDAV
// collection.
type Calendar struct {
	client       *caldav.Client
	calendarPath string
	now          func() time.Time
}

// NewCalendar returns a Calendar. When cfg has no endpoint the returned
// Calendar reports itself as not configured on every call.
func NewCalendar(httpClient *http.Client, cfg CalDAVConfig) (*Calendar, error) {
	c := &Calendar{now: time.Now}
	if cfg.Endpoint == "" || cfg.CalendarPath == "" {
		return c, nil
	}

	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}
	client, err := caldav.NewClient(hc, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", cfg.Endpoint, err)
	}
	c.client = client
	c.calendarPath = strings.TrimSuffix(cfg.CalendarPath, "/") + "/"
	return c, nil
}

// Schedule creates the event described by the payload.
func (c *Calendar) Schedule(ctx context.Context, a storage.ProposedAction) (any, error) {
	if c.client == nil {
		return nil, ErrNotConfigured{Service: "caldav"}
	}

	cal, uid, err := c.buildEvent(a.Payload)
	if err != nil {
		return nil, err
	}
	path := c.calendarPath + uid + ".ics"
	obj, err := c.client.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return nil, fmt.Errorf("writing event %s: %w", path, err)
	}

	out := map[string]any{"success": true, "uid": uid, "path": obj.Path}
	if obj.ETag != "" {
		out["etag"] = obj.ETag
	}
	return out, nil
}

func (c *Calendar) buildEvent(p map[string]any) (*ical.Calendar, string, error) {
	title, err := requireString(p, "meeting_title")
	if err != nil {
		return nil, "", err
	}
	when, err := requireString(p, "meeting_time")
	if err != nil {
		return nil, "", err
	}
	start, err := parseMeetingTime(when)
	if err != nil {
		return nil, "", err
	}
	minutes, err := intArg(p, "duration_mins", defaultMeetingMinutes)
	if err != nil {
		return nil, "", err
	}
	if minutes <= 0 {
		minutes = defaultMeetingMinutes
	}

	uid := uuid.NewString()
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, c.now().UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(time.Duration(minutes)*time.Minute).UTC())
	event.Props.SetText(ical.PropSummary, title)
	if desc := stringArg(p, "meeting_description"); desc != "" {
		event.Props.SetText(ical.PropDescription, desc)
	}
	for _, addr := range stringList(p, "attendees") {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = "mailto:" + extractAddress(addr)
		event.Props.Add(prop)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//commander//EN")
	cal.Children = append(cal.Children, event.Component)
	return cal, uid, nil
}

var meetingTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// parseMeetingTime accepts RFC 3339 and the zone-less ISO forms models tend
// to emit; zone-less times are taken as UTC.
func parseMeetingTime(s string) (time.Time, error) {
	for _, layout := range meetingTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("meeting_time %q is not an ISO 8601 date-time", s)
}
