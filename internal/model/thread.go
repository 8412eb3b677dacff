package model

import "time"

// Thread is a conversation. Its ID is derived from the thread root token,
// never from a message primary key.
type Thread struct {
	ID string `json:"id"`

	// Subject is frozen to the first message's subject.
	Subject string `json:"subject"`

	ParticipantCount int       `json:"participant_count"`
	MessageCount     int       `json:"message_count"`
	FirstDate        time.Time `json:"first_date"`
	LastDate         time.Time `json:"last_date"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ThreadMessage records membership of a message in a thread.
type ThreadMessage struct {
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	MessageID string    `json:"message_id" db:"message_id"`
	AddedAt   time.Time `json:"added_at" db:"added_at"`
}

// Participant is a distinct correspondent in a thread.
type Participant struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ThreadMetadata is the recomputed view of a thread used by exporters.
type ThreadMetadata struct {
	ThreadID     string        `json:"thread_id"`
	Subject      string        `json:"subject"`
	MessageCount int           `json:"message_count"`
	Participants []Participant `json:"participants"`
	FirstDate    time.Time     `json:"first_date"`
	LastDate     time.Time     `json:"last_date"`
}
