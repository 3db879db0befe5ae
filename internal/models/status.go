package models

// Account statuses.
const (
	AccountPending   = "pending"
	AccountActive    = "active"
	AccountSuspended = "suspended"
	AccountDisabled  = "disabled"
)

// Conversation statuses.
const (
	ConversationPending    = "pending"
	ConversationAssigned   = "assigned"
	ConversationInProgress = "in_progress"
	ConversationResolved   = "resolved"
	ConversationClosed     = "closed"
)

// ActiveConversationStatuses are the statuses of which at most one
// conversation may exist per (account, contact).
var ActiveConversationStatuses = []string{
	ConversationPending,
	ConversationAssigned,
	ConversationInProgress,
}

// Conversation priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message kinds.
const (
	KindText        = "text"
	KindImage       = "image"
	KindDocument    = "document"
	KindAudio       = "audio"
	KindVideo       = "video"
	KindSticker     = "sticker"
	KindLocation    = "location"
	KindContacts    = "contacts"
	KindTemplate    = "template"
	KindInteractive = "interactive"
	KindSystem      = "system"
)

// IsMediaKind reports whether messages of kind carry downloadable media.
func IsMediaKind(kind string) bool {
	switch kind {
	case KindImage, KindDocument, KindAudio, KindVideo, KindSticker:
		return true
	}
	return false
}

// Message statuses.
const (
	MessagePending   = "pending"
	MessageSending   = "sending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

var messageStatusRank = map[string]int{
	MessagePending:   0,
	MessageSending:   1,
	MessageSent:      2,
	MessageDelivered: 3,
	MessageRead:      4,
}

// CanTransition reports whether a message may move from one status to
// another: forward along pending→sending→sent→delivered→read, or to
// failed from any non-terminal status.
func CanTransition(from, to string) bool {
	if from == MessageFailed || from == MessageRead {
		return false
	}
	if to == MessageFailed {
		return true
	}
	fromRank, ok := messageStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := messageStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Predecessors lists the statuses from which a message may move to to.
func Predecessors(to string) []string {
	var out []string
	for from := range messageStatusRank {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Template statuses.
const (
	TemplatePending  = "pending"
	TemplateApproved = "approved"
	TemplateRejected = "rejected"
	TemplateDisabled = "disabled"
)

// Envelope states.
const (
	EnvelopePending    = "pending"
	EnvelopeProcessing = "processing"
	EnvelopeProcessed  = "processed"
	EnvelopeFailed     = "failed"
)
