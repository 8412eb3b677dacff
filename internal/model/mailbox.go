package model

// Mailbox is a folder in the external mail store.
type Mailbox struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	TotalCount  int    `json:"total_count"`
	UnreadCount int    `json:"unread_count"`
}

// Address is a known correspondent imported from the envelope index.
type Address struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
