package ytloop

import (
	"strconv"
	"strings"
	"time"
)

// SessionState is the lifecycle of one broadcast window as the controller
// tracks it. The platform-side broadcast status is a separate concern owned
// by the broadcast client.
type SessionState int

const (
	StatePending SessionState = iota
	StateLive
	StateEnding
	StateEnded
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLive:
		return "live"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Layouts substituted into the broadcast title template. Fixed so a rendered
// title can be parsed back to the timestamp it was generated from.
const (
	TitleDateLayout = "2006-01-02"
	TitleTimeLayout = "15:04:05"
)

// Session is one broadcast window. It is owned exclusively by the controller
// for its whole lifetime and never shared across cycles.
type Session struct {
	Count       int
	Title       string
	StartedAt   time.Time
	PlannedEnd  time.Time
	BroadcastID string
	StreamKey   string
	EndedAt     time.Time

	state SessionState
}

func newSession(start time.Time, duration time.Duration, titleTemplate string, count int) *Session {
	return &Session{
		Count:      count,
		Title:      RenderTitle(titleTemplate, start, count),
		StartedAt:  start,
		PlannedEnd: start.Add(duration),
		state:      StatePending,
	}
}

func (s *Session) State() SessionState { return s.state }

// assignBroadcast records the platform identifier. It is set once and never
// overwritten.
func (s *Session) assignBroadcast(id string) {
	if s.BroadcastID == "" {
		s.BroadcastID = id
	}
}

func (s *Session) markLive() { s.state = StateLive }

func (s *Session) beginEnding() { s.state = StateEnding }

func (s *Session) markEnded(at time.Time) {
	s.EndedAt = at
	s.state = StateEnded
}

func (s *Session) fail() { s.state = StateFailed }

// PlaylistKey derives the monthly playlist title for an ended session from
// its end time. layout is a Go time layout, e.g. "Live Archive 2006-01".
func (s *Session) PlaylistKey(layout string) string {
	at := s.EndedAt
	if at.IsZero() {
		at = s.PlannedEnd
	}
	return at.Format(layout)
}

// RenderTitle substitutes {date}, {time} and {count} in template. Output is
// deterministic for a fixed timestamp.
func RenderTitle(template string, at time.Time, count int) string {
	r := strings.NewReplacer(
		"{date}", at.Format(TitleDateLayout),
		"{time}", at.Format(TitleTimeLayout),
		"{count}", strconv.Itoa(count),
	)
	return r.Replace(template)
}
