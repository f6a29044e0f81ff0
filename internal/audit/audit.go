// Package audit implements the tenant-scoped, hash-chained audit trail:
// transactional writes, live/archive tier reads, filtered queries, summary
// analytics and chain integrity verification.
package audit

import "time"

// Tier identifies the physical table an entry currently resides in.
type Tier string

const (
	TierLive    Tier = "live"
	TierArchive Tier = "archive"
)

// Length caps applied to request provenance before it is stored.
const (
	MaxIPAddressLen = 45
	MaxUserAgentLen = 512
)

// Entry is a single committed audit trail record.
type Entry struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	UserID         string    `json:"userId,omitempty"`
	UserName       string    `json:"userName,omitempty"`
	Action         string    `json:"action"`
	EntityType     string    `json:"entityType"`
	EntityID       string    `json:"entityId"`
	PreviousState  Document  `json:"previousState"`
	NewState       Document  `json:"newState"`
	Metadata       Document  `json:"metadata"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber int64     `json:"sequenceNumber"`
	HashChain      string    `json:"hashChain"`
	Tier           Tier      `json:"tier"`
}

// NewEntry is what a business caller supplies to the Writer.
// PreviousState and NewState should carry only the fields that changed.
type NewEntry struct {
	TenantID      string
	UserID        string // empty for system-initiated actions
	Action        string // verb.noun, e.g. sales_order.status_changed
	EntityType    string
	EntityID      string
	PreviousState Document
	NewState      Document
	Metadata      Document
	IPAddress     string
	UserAgent     string
}

// Receipt identifies a committed entry within its tenant's chain.
type Receipt struct {
	ID             string `json:"id"`
	SequenceNumber int64  `json:"sequenceNumber"`
	HashChain      string `json:"hashChain"`
}
