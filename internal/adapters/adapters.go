// Package adapters turns source-native records into storage.ContextItem
// values. The rendered context_text is produced here once and never
// rebuilt downstream.
package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/commander/internal/storage"
)

const summaryLen = 120

type Email struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	FromEmail  string    `json:"from_email"`
	To         []string  `json:"to,omitempty"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"body_text"`
	ReceivedAt time.Time `json:"received_at"`
}

type SlackMessage struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	Text        string    `json:"text"`
	ThreadTS    string    `json:"thread_ts,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Meeting struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Participants []string  `json:"participants"`
	Transcript   string    `json:"transcript"`
	MeetingTime  time.Time `json:"meeting_time"`
	DurationMins int       `json:"duration_mins"`
}

type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Attendees   []string  `json:"attendees,omitempty"`
	Location    string    `json:"location,omitempty"`
}

func FromEmail(e Email) storage.ContextItem {
	var b strings.Builder
	b.WriteString("[EMAIL]\n")
	fmt.Fprintf(&b, "From: %s\n", e.FromEmail)
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	fmt.Fprintf(&b, "Received: %s\n", e.ReceivedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Body:\n%s", e.BodyText)

	return storage.ContextItem{
		SourceType: storage.SourceEmail,
		SourceID:   e.ID,
		Timestamp:  e.ReceivedAt,
		Content: map[string]any{
			"from_email": e.FromEmail,
			"to":         stringsToAny(e.To),
			"subject":    e.Subject,
			"body_text":  e.BodyText,
			"thread_id":  e.ThreadID,
			"message_id": e.ID,
		},
		ContextText: b.String(),
		Sender:      e.FromEmail,
		Summary:     summarize(e.Subject+": ", e.BodyText),
	}
}

func FromSlack(m SlackMessage) storage.ContextItem {
	channel := m.ChannelName
	if channel == "" {
		channel = m.ChannelID
	}

	var b strings.Builder
	b.WriteString("[SLACK MESSAGE]\n")
	fmt.Fprintf(&b, "Channel: %s\n", channel)
	fmt.Fprintf(&b, "From: %s\n", m.UserName)
	fmt.Fprintf(&b, "Time: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Message:\n%s", m.Text)

	return storage.ContextItem{
		SourceType: storage.SourceSlack,
		SourceID:   m.ID,
		Timestamp:  m.Timestamp,
		Content: map[string]any{
			"channel_id":   m.ChannelID,
			"channel_name": m.ChannelName,
			"user_id":      m.UserID,
			"user_name":    m.UserName,
			"message":      m.Text,
			"thread_ts":    m.ThreadTS,
		},
		ContextText: b.String(),
		Sender:      m.UserName,
		Summary:     summarize("["+channel+"] ", m.Text),
	}
}

func FromMeeting(m Meeting) storage.ContextItem {
	short := shortList(m.Participants, "")

	var b strings.Builder
	b.WriteString("[MEETING TRANSCRIPT]\n")
	fmt.Fprintf(&b, "Title: %s\n", m.Title)
	fmt.Fprintf(&b, "Participants: %s\n", strings.Join(m.Participants, ", "))
	fmt.Fprintf(&b, "Time: %s\n", m.MeetingTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %d minutes\n", m.DurationMins)
	fmt.Fprintf(&b, "Transcript:\n%s", m.Transcript)

	return storage.ContextItem{
		SourceType: storage.SourceMeetingTranscript,
		SourceID:   m.ID,
		Timestamp:  m.MeetingTime,
		Content: map[string]any{
			"title":         m.Title,
			"participants":  stringsToAny(m.Participants),
			"transcript":    m.Transcript,
			"duration_mins": m.DurationMins,
		},
		ContextText: b.String(),
		Sender:      short,
		Summary:     fmt.Sprintf("Meeting: %s (%s)", m.Title, short),
	}
}

func FromCalendarEvent(e CalendarEvent) storage.ContextItem {
	short := shortList(e.Attendees, "No attendees")
	all := "No attendees"
	if len(e.Attendees) > 0 {
		all = strings.Join(e.Attendees, ", ")
	}
	location := e.Location
	if location == "" {
		location = "Not specified"
	}

	var b strings.Builder
	b.WriteString("[CALENDAR EVENT]\n")
	fmt.Fprintf(&b, "Title: %s\n", e.Title)
	fmt.Fprintf(&b, "Time: %s - %s\n", e.StartTime.Format(time.RFC3339), e.EndTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "Location: %s\n", location)
	fmt.Fprintf(&b, "Attendees: %s\n", all)
	fmt.Fprintf(&b, "Description:\n%s", e.Description)

	return storage.ContextItem{
		SourceType: storage.SourceCalendarEvent,
		SourceID:   e.ID,
		Timestamp:  e.StartTime,
		Content: map[string]any{
			"title":       e.Title,
			"description": e.Description,
			"start_time":  e.StartTime.Format(time.RFC3339),
			"end_time":    e.EndTime.Format(time.RFC3339),
			"attendees":   stringsToAny(e.Attendees),
			"location":    e.Location,
		},
		ContextText: b.String(),
		Sender:      short,
		Summary:     fmt.Sprintf("Event: %s (%s)", e.Title, short),
	}
}

// summarize prefixes body cut at summaryLen runes and flattens newlines.
func summarize(prefix, body string) string {
	r := []rune(body)
	if len(r) > summaryLen {
		body = string(r[:summaryLen]) + "..."
	}
	return strings.ReplaceAll(prefix+body, "\n", " ")
}

// shortList names at most three people and counts the rest.
func shortList(names []string, empty string) string {
	if len(names) == 0 {
		return empty
	}
	if len(names) <= 3 {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s +%d others", strings.Join(names[:3], ", "), len(names)-3)
}

// stringsToAny keeps Content JSON-shaped so it compares equal after a
// storage round trip.
func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
