package model

import "time"

// Status is the delivery state of a BroadcastMessage.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusError  Status = "error"
)

// BroadcastMessage is one outbound delivery unit.
type BroadcastMessage struct {
	ID          int64
	BroadcastID int64
	RecipientID int64
	Status      Status
	DateCreated time.Time
	DateSent    *time.Time
	// Occurrence is the broadcast date of the fan-out that produced this row.
	Occurrence time.Time
	ClaimedAt  *time.Time
}

// Outbound is a claimed message ready to hand to a transport.
// Backend/Identity are empty when the recipient has no connection left.
type Outbound struct {
	MessageID   int64
	BroadcastID int64
	RecipientID int64
	Body        string
	Backend     string
	Identity    string
}

func (o Outbound) HasConnection() bool { return o.Backend != "" && o.Identity != "" }

// Direction of a journaled message.
type Direction string

const (
	Incoming Direction = "I"
	Outgoing Direction = "O"
)

// MessageLogEntry is one journaled inbound or outbound text.
type MessageLogEntry struct {
	ID        int64
	Direction Direction
	Backend   string
	Identity  string
	ContactID *int64
	Text      string
	Date      time.Time
}
