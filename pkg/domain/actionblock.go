package domain

import (
	"encoding/json"
	"time"
)

type BlockType string

const (
	BlockOffer         BlockType = "offer"
	BlockQuestion      BlockType = "question"
	BlockMultiQuestion BlockType = "multi_question"
	BlockAvailability  BlockType = "availability"
	BlockChangeRequest BlockType = "change_request"
	BlockCapacity      BlockType = "capacity"
	BlockCancellation  BlockType = "cancellation"
	BlockLink          BlockType = "link"
	BlockDocument      BlockType = "document"
)

type BlockStatus string

const (
	BlockPending  BlockStatus = "pending"
	BlockResolved BlockStatus = "resolved"
)

type Action string

const (
	ActionAccept      Action = "accept"
	ActionDecline     Action = "decline"
	ActionAnswer      Action = "answer"
	ActionSelect      Action = "select"
	ActionCounter     Action = "counter"
	ActionAcknowledge Action = "acknowledge"
)

// ActionBlock is a once-resolvable commitment attached to a message.
type ActionBlock struct {
	MessageID  string          `json:"messageId"`
	TenantID   string          `json:"tenantId"`
	BlockType  BlockType       `json:"blockType"`
	Status     BlockStatus     `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Resolution *Resolution     `json:"resolution"`
	ResolvedAt *time.Time      `json:"resolvedAt"`
	CreatedBy  string          `json:"createdBy"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type Resolution struct {
	Action         Action          `json:"action"`
	ActorID        string          `json:"actorId"`
	ActorRole      Role            `json:"actorRole"`
	Response       json.RawMessage `json:"response,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
}
