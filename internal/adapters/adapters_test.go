package adapters

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/commander/internal/storage"
)

var t0 = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func TestFromEmail(t *testing.T) {
	item := FromEmail(Email{
		ID:         "msg-1",
		ThreadID:   "thr-1",
		FromEmail:  "bob@example.com",
		Subject:    "Lunch?",
		BodyText:   "Free on Friday?\nLet me know.",
		ReceivedAt: t0,
	})

	want := "[EMAIL]\nFrom: bob@example.com\nSubject: Lunch?\nReceived: 2024-06-01T09:30:00Z\nBody:\nFree on Friday?\nLet me know."
	if diff := cmp.Diff(want, item.ContextText); diff != "" {
		t.Errorf("context_text (-want +got):\n%s", diff)
	}
	if item.SourceType != storage.SourceEmail || item.SourceID != "msg-1" || !item.Timestamp.Equal(t0) {
		t.Errorf("item = %+v", item)
	}
	if item.Sender != "bob@example.com" {
		t.Errorf("sender = %q", item.Sender)
	}
	if item.Summary != "Lunch?: Free on Friday? Let me know." {
		t.Errorf("summary = %q", item.Summary)
	}
	if item.Content["from_email"] != "bob@example.com" || item.Content["message_id"] != "msg-1" || item.Content["thread_id"] != "thr-1" {
		t.Errorf("content = %v", item.Content)
	}
	if item.ID != "" {
		t.Errorf("adapter assigned id %q; ids come from the pipeline", item.ID)
	}
}

func TestSummaryTruncates(t *testing.T) {
	body := strings.Repeat("a", 150)
	item := FromEmail(Email{ID: "x", Subject: "S", BodyText: body, ReceivedAt: t0})
	want := "S: " + strings.Repeat("a", 120) + "..."
	if item.Summary != want {
		t.Errorf("summary = %q, want %q", item.Summary, want)
	}

	exact := FromEmail(Email{ID: "y", Subject: "S", BodyText: strings.Repeat("b", 120), ReceivedAt: t0})
	if strings.HasSuffix(exact.Summary, "...") {
		t.Errorf("120-char body should not be truncated: %q", exact.Summary)
	}
}

func TestFromSlack(t *testing.T) {
	tests := []struct {
		name        string
		msg         SlackMessage
		wantChannel string
	}{
		{"named channel", SlackMessage{ID: "1.2", ChannelID: "C1", ChannelName: "#eng", UserName: "alice", Text: "ship it", Timestamp: t0}, "#eng"},
		{"falls back to id", SlackMessage{ID: "1.3", ChannelID: "C1", UserName: "alice", Text: "ship it", Timestamp: t0}, "C1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := FromSlack(tt.msg)
			want := "[SLACK MESSAGE]\nChannel: " + tt.wantChannel + "\nFrom: alice\nTime: 2024-06-01T09:30:00Z\nMessage:\nship it"
			if diff := cmp.Diff(want, item.ContextText); diff != "" {
				t.Errorf("context_text (-want +got):\n%s", diff)
			}
			if item.Summary != "["+tt.wantChannel+"] ship it" {
				t.Errorf("summary = %q", item.Summary)
			}
			if item.SourceType != storage.SourceSlack || item.Sender != "alice" {
				t.Errorf("item = %+v", item)
			}
		})
	}
}

func TestFromMeeting(t *testing.T) {
	item := FromMeeting(Meeting{
		ID:           "mtg-1",
		Title:        "Planning",
		Participants: []string{"Alice", "Bob", "Carol", "Dan", "Eve"},
		Transcript:   "Alice: let's ship.",
		MeetingTime:  t0,
		DurationMins: 30,
	})

	want := "[MEETING TRANSCRIPT]\nTitle: Planning\nParticipants: Alice, Bob, Carol, Dan, Eve\nTime: 2024-06-01T09:30:00Z\nDuration: 30 minutes\nTranscript:\nAlice: let's ship."
	if diff := cmp.Diff(want, item.ContextText); diff != "" {
		t.Errorf("context_text (-want +got):\n%s", diff)
	}
	if item.Sender != "Alice, Bob, Carol +2 others" {
		t.Errorf("sender = %q", item.Sender)
	}
	if item.Summary != "Meeting: Planning (Alice, Bob, Carol +2 others)" {
		t.Errorf("summary = %q", item.Summary)
	}
}

func TestFromCalendarEvent(t *testing.T) {
	item := FromCalendarEvent(CalendarEvent{
		ID:          "evt-1",
		Title:       "1:1",
		Description: "Weekly sync",
		StartTime:   t0,
		EndTime:     t0.Add(30 * time.Minute),
	})

	want := "[CALENDAR EVENT]\nTitle: 1:1\nTime: 2024-06-01T09:30:00Z - 2024-06-01T10:00:00Z\nLocation: Not specified\nAttendees: No attendees\nDescription:\nWeekly sync"
	if diff := cmp.Diff(want, item.ContextText); diff != "" {
		t.Errorf("context_text (-want +got):\n%s", diff)
	}
	if item.Sender != "No attendees" || item.Summary != "Event: 1:1 (No attendees)" {
		t.Errorf("sender = %q, summary = %q", item.Sender, item.Summary)
	}
	if item.SourceType != storage.SourceCalendarEvent || !item.Timestamp.Equal(t0) {
		t.Errorf("item = %+v", item)
	}
}
