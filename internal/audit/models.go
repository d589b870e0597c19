// Package audit keeps a journal of provisioning attempts. It records who
// asked for which peer and how it went; peer state itself stays with the
// registry backend, so no keys or configurations are stored here.
package audit

import (
	"time"
)

// Provisioning outcomes.
const (
	OutcomeCreated = "created"
	OutcomeFailed  = "failed"
)

// Channels a provisioning request can arrive on.
const (
	ChannelTelegram = "telegram"
	ChannelHTTP     = "http"
	ChannelCLI      = "cli"
)

// ProvisionEvent is one provisioning attempt.
type ProvisionEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`                   // Unique identifier for the event
	Label     string    `gorm:"index;not null" json:"label"`            // Client label, e.g. "Alice_20240601_143000"
	Requester string    `gorm:"not null" json:"requester"`              // Name the request was made under
	Channel   string    `gorm:"index" json:"channel"`                   // telegram, http or cli
	Backend   string    `json:"backend"`                                // Registry backend that handled it
	IP        string    `json:"ip,omitempty"`                           // Allocated address, if any
	PublicKey string    `json:"public_key,omitempty"`                   // Peer public key, if any
	Outcome   string    `gorm:"index;not null" json:"outcome"`          // created or failed
	Error     string    `gorm:"type:text" json:"error,omitempty"`       // Error text for failed attempts
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"` // When the attempt finished
}

// TableName implements the GORM Tabler interface.
func (ProvisionEvent) TableName() string {
	return "provision_events"
}
