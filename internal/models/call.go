package models

import "time"

type ParticipantStatus string

const (
	CallRinging  ParticipantStatus = "ringing"
	CallAccepted ParticipantStatus = "accepted"
	CallDeclined ParticipantStatus = "declined"
	CallTimedOut ParticipantStatus = "timed_out"
)

// Terminal statuses never change again.
func (s ParticipantStatus) Terminal() bool {
	return s == CallDeclined || s == CallTimedOut
}

type CallParticipant struct {
	UserID    string            `json:"user_id"`
	Status    ParticipantStatus `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Call is a signaling session. Media transport happens elsewhere, at
// MeetURL.
type Call struct {
	ID           string            `json:"call_id"`
	AdminID      string            `json:"admin_id"`
	Title        string            `json:"title"`
	MeetURL      string            `json:"meet_url"`
	Participants []CallParticipant `json:"participants"`
	CreatedAt    time.Time         `json:"created_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	EndReason    string            `json:"end_reason,omitempty"`
}

func (c *Call) Ended() bool { return c.EndedAt != nil }

func (c *Call) Participant(userID string) (*CallParticipant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// AllTerminal reports whether no participant can still join.
func (c *Call) AllTerminal() bool {
	for _, p := range c.Participants {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

func (c *Call) Clone() *Call {
	cp := *c
	cp.Participants = append([]CallParticipant(nil), c.Participants...)
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
