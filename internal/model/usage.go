package model

import "time"

// UsageEvent is one anonymous row of usage statistics. It never carries device
// ids, keys or payloads.
type UsageEvent struct {
	ID        int64          `db:"id" json:"id"`
	Type      UsageEventType `db:"event_type" json:"type"`
	TokenKind *string        `db:"token_kind" json:"tokenKind,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

type CreateUsageEventParams struct {
	Type      UsageEventType
	TokenKind *string
	CreatedAt time.Time
}

type UsageCount struct {
	Type  UsageEventType `db:"event_type" json:"type"`
	Count int            `db:"count" json:"count"`
}
