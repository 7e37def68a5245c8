package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/ferri/activitypub"
	"github.com/deemkeen/ferri/db"
	"github.com/deemkeen/ferri/domain"
	"github.com/deemkeen/ferri/util"
	"github.com/google/uuid"
)

// newLocalUser lays out the actor URLs of a local user under the server domain.
func newLocalUser(localDomain, username, displayName string) *domain.User {
	id := uuid.New()
	actorURI := fmt.Sprintf("https://%s/users/%s", localDomain, id)
	return &domain.User{
		Id: id,
		Actor: domain.Actor{
			Id:     actorURI,
			Inbox:  actorURI + "/inbox",
			Outbox: actorURI + "/outbox",
		},
		Username:    username,
		DisplayName: displayName,
		Acct:        username,
		URL:         fmt.Sprintf("https://%s/%s", localDomain, username),
		CreatedAt:   time.Now().UTC(),
		KeyId:       actorURI + "#main-key",
	}
}

// bootstrapUser creates the local user once. Running it again for the same
// username returns the stored user.
func bootstrapUser(ctx context.Context, store activitypub.Store, localDomain, username, displayName string) (*domain.User, bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, false, errors.New("--username is required")
	}

	existing, err := store.UserByUsername(ctx, username)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, false, fmt.Errorf("failed to look up %s: %w", username, err)
	}

	user := newLocalUser(localDomain, username, displayName)
	if _, err := store.NewActor(ctx, user.Actor); err != nil {
		return nil, false, fmt.Errorf("failed to create actor for %s: %w", username, err)
	}
	if _, err := store.NewUser(ctx, user); err != nil {
		return nil, false, fmt.Errorf("failed to create user %s: %w", username, err)
	}
	return user, true, nil
}

// newLocalPost builds a status authored by a local user.
func newLocalPost(localDomain string, author *domain.User, content string, now time.Time) *domain.Post {
	id := uuid.New()
	return &domain.Post{
		Id:        id,
		URI:       activitypub.NoteURI(localDomain, author.Id, id),
		User:      author,
		Content:   content,
		CreatedAt: now.UTC(),
	}
}

func engineConfig(conf *util.AppConfig, stats func(ctx context.Context) (domain.Counts, error)) activitypub.EngineConfig {
	c := conf.Conf
	return activitypub.EngineConfig{
		Domain:            c.Domain,
		QueueCapacity:     c.Queue.Capacity,
		MessageTimeout:    c.Queue.MessageTimeout,
		Heartbeat:         c.Queue.Heartbeat,
		HTTPTimeout:       c.HTTP.Timeout,
		RequireSignatures: c.RequireSignatures,
		PeerInboxes:       c.PeerInboxes,
		Retry: activitypub.RetryPolicy{
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			MaxAttempts: c.Retry.MaxAttempts,
			Jitter:      0.2,
		},
		RetryInterval: c.Retry.PollInterval,
		RetryBatch:    c.Retry.Batch,
		Stats:         stats,
	}
}

// acquirer adapts the pool to the engine. A failed Acquire must not leak a
// typed nil into the Lease interface.
func acquirer(database *db.DB) activitypub.Acquirer {
	return func(ctx context.Context) (activitypub.Lease, error) {
		l, err := database.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}
