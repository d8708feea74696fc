package model

import "time"

// OTAAction is what the external updater announces on the control topic.
type OTAAction string

const (
	OTABegin OTAAction = "begin"
	OTAEnd   OTAAction = "end"
)

// OTAEvent is emitted by the updater before and after flashing. ID, when the
// updater sets it, identifies the message for redelivery checks.
type OTAEvent struct {
	ID        string    `json:"id,omitempty"`
	Action    OTAAction `json:"action"`
	Password  string    `json:"password"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
