package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is a directed edge between two actors, keyed by the Follow activity URI.
type Follow struct {
	Id        string
	Follower  string
	Followed  string
	CreatedAt time.Time
}

// OutboundActivity is the audit record of an activity this server sent.
type OutboundActivity struct {
	Id           string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Delivered    bool
	CreatedAt    time.Time
}

// DeliveryQueueItem represents a failed delivery waiting for its next attempt
type DeliveryQueueItem struct {
	Id           uuid.UUID
	ActivityId   string
	InboxURI     string
	KeyId        string
	ActivityJSON string // exact bytes that were signed and sent
	Attempts     int
	NextRetryAt  time.Time
	LastError    string
	CreatedAt    time.Time
}

// DeadLetter is a delivery that will not be attempted again.
type DeadLetter struct {
	Id           uuid.UUID
	ActivityId   string
	InboxURI     string
	ActivityJSON string
	Attempts     int
	LastError    string
	CreatedAt    time.Time
}

// Counts is a row count snapshot of the federation tables.
type Counts struct {
	Actors      int
	Users       int
	Follows     int
	Posts       int
	Attachments int
	Pending     int
	DeadLetters int
}
