package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/ferri/domain"
	"github.com/google/uuid"
)

// Store is the Data Store surface the federation engine writes through.
// Inserts are idempotent: a conflict on a unique key reports false.
type Store interface {
	NewActor(ctx context.Context, actor domain.Actor) (bool, error)
	NewUser(ctx context.Context, user *domain.User) (bool, error)
	NewFollow(ctx context.Context, follow *domain.Follow) (bool, error)
	NewPost(ctx context.Context, post *domain.Post) (bool, error)
	NewAttachment(ctx context.Context, postID uuid.UUID, att *domain.Attachment) error
	UserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	UserByActorURI(ctx context.Context, actorURI string) (*domain.User, error)
	UserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// Lease is a Store bound to one database connection, owned by a single
// queue message until released.
type Lease interface {
	Store
	Release() error
}

// OutboxStore is what the dispatcher needs on top of Store.
type OutboxStore interface {
	Store
	FollowersOf(ctx context.Context, actorURI string) ([]domain.Actor, error)
	RecordOutbound(ctx context.Context, activity *domain.OutboundActivity) (bool, error)
	MarkDelivered(ctx context.Context, activityID string) error
	EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error
	ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time, lastErr string) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
	UndeliveredCount(ctx context.Context, activityID string) (int, error)
	DeadLetter(ctx context.Context, letter *domain.DeadLetter, queueID uuid.UUID) error
	Counts(ctx context.Context) (domain.Counts, error)
}

// Acquirer hands out connection leases.
type Acquirer func(ctx context.Context) (Lease, error)
