package model

import "time"

// MailboxStatus is the locally tracked placement of a message.
type MailboxStatus string

const (
	MailboxStatusInbox    MailboxStatus = "inbox"
	MailboxStatusArchived MailboxStatus = "archived"
	MailboxStatusDeleted  MailboxStatus = "deleted"
)

// MailboxStatuses lists every status in display order.
var MailboxStatuses = []MailboxStatus{
	MailboxStatusInbox,
	MailboxStatusArchived,
	MailboxStatusDeleted,
}

// Valid reports whether s is a known status.
func (s MailboxStatus) Valid() bool {
	switch s {
	case MailboxStatusInbox, MailboxStatusArchived, MailboxStatusDeleted:
		return true
	}
	return false
}

// SyncAction is an action owed to the external mail store.
type SyncAction string

const (
	SyncActionNone    SyncAction = "none"
	SyncActionArchive SyncAction = "archive"
	SyncActionDelete  SyncAction = "delete"
)

// Valid reports whether a is a known action.
func (a SyncAction) Valid() bool {
	switch a {
	case SyncActionNone, SyncActionArchive, SyncActionDelete:
		return true
	}
	return false
}

// TargetStatus returns the mailbox status a message ends up in once the
// action has been carried out.
func (a SyncAction) TargetStatus() MailboxStatus {
	switch a {
	case SyncActionArchive:
		return MailboxStatusArchived
	case SyncActionDelete:
		return MailboxStatusDeleted
	default:
		return MailboxStatusInbox
	}
}

// Recipient type constants.
const (
	RecipientTo  = "to"
	RecipientCc  = "cc"
	RecipientBcc = "bcc"
)

// Sender identifies the author of a message.
type Sender struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Recipient is one addressee of a message.
type Recipient struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attachment holds metadata about a message attachment.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is one email mirrored from the external mail store.
type Message struct {
	// ID is the stable, content-derived primary key. It never changes.
	ID string `json:"id"`

	// AppleRowID is the legacy numeric reference from the envelope index.
	AppleRowID *int64 `json:"apple_row_id,omitempty"`

	// MessageID is the RFC 5322 Message-ID header, normalized with brackets.
	MessageID string `json:"message_id,omitempty"`

	MailboxID   string `json:"mailbox_id"`
	MailboxName string `json:"mailbox_name"`
	AccountID   string `json:"account_id"`

	Subject     string       `json:"subject"`
	Sender      Sender       `json:"sender"`
	Recipients  []Recipient  `json:"recipients,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	DateSent     time.Time `json:"date_sent"`
	DateReceived time.Time `json:"date_received"`

	IsRead         bool `json:"is_read"`
	IsFlagged      bool `json:"is_flagged"`
	IsDeleted      bool `json:"is_deleted"`
	HasAttachments bool `json:"has_attachments"`

	// Size is the raw message size in bytes, when known.
	Size int64 `json:"size,omitempty"`

	BodyText string `json:"body_text,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`

	// ExportPath is owned by the exporter.
	ExportPath string `json:"export_path,omitempty"`

	MailboxStatus      MailboxStatus `json:"mailbox_status"`
	PendingSyncAction  SyncAction    `json:"pending_sync_action"`
	LastKnownMailboxID string        `json:"last_known_mailbox_id,omitempty"`

	// ThreadID, ThreadPosition and ThreadTotal are maintained by the
	// threading service.
	ThreadID       string   `json:"thread_id,omitempty"`
	InReplyTo      string   `json:"in_reply_to,omitempty"`
	References     []string `json:"references,omitempty"`
	ThreadPosition int      `json:"thread_position,omitempty"`
	ThreadTotal    int      `json:"thread_total,omitempty"`
}

// HasPendingAction reports whether an external action is still owed.
func (m *Message) HasPendingAction() bool {
	return m.PendingSyncAction != "" && m.PendingSyncAction != SyncActionNone
}

// MessageStatusSnapshot is the projection used to diff incremental syncs.
type MessageStatusSnapshot struct {
	ID         string `db:"id"`
	AppleRowID *int64 `db:"apple_row_id"`
	IsRead     bool   `db:"is_read"`
	IsFlagged  bool   `db:"is_flagged"`

	MailboxStatus MailboxStatus `db:"mailbox_status"`
}
