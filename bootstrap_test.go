package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/ferri/db"
	"github.com/deemkeen/ferri/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "ferri.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestNewLocalUser(t *testing.T) {
	u := newLocalUser("ferri.local", "amy", "Amy")

	assert.Equal(t, "https://ferri.local/users/"+u.Id.String(), u.Actor.Id)
	assert.Equal(t, u.Actor.Id+"/inbox", u.Actor.Inbox)
	assert.Equal(t, u.Actor.Id+"/outbox", u.Actor.Outbox)
	assert.Equal(t, u.Actor.Id+"#main-key", u.KeyId)
	assert.Equal(t, "amy", u.Acct)
	assert.Equal(t, "https://ferri.local/amy", u.URL)
	assert.False(t, u.Remote)
}

func TestBootstrapUser(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)

	first, created, err := bootstrapUser(ctx, database, "ferri.local", " amy ", "Amy")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "amy", first.Username)

	stored, err := database.UserByActorURI(ctx, first.Actor.Id)
	require.NoError(t, err)
	assert.Equal(t, first.Id, stored.Id)
	assert.Equal(t, "Amy", stored.DisplayName)

	again, created, err := bootstrapUser(ctx, database, "ferri.local", "amy", "Someone else")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Id, again.Id)
	assert.Equal(t, "Amy", again.DisplayName)
}

func TestBootstrapUserNeedsName(t *testing.T) {
	_, _, err := bootstrapUser(context.Background(), openDB(t), "ferri.local", "  ", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--username")
}

func TestNewLocalPost(t *testing.T) {
	author := newLocalUser("ferri.local", "amy", "")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	post := newLocalPost("ferri.local", author, "hello", now)

	assert.True(t, strings.HasPrefix(post.URI, "https://ferri.local/users/"+author.Id.String()+"/posts/"))
	assert.True(t, strings.HasSuffix(post.URI, post.Id.String()))
	assert.Equal(t, time.UTC, post.CreatedAt.Location())
	assert.Same(t, author, post.User)
}

func TestEngineConfig(t *testing.T) {
	conf := &util.AppConfig{}
	conf.Conf.Domain = "ferri.local"
	conf.Conf.Queue.Capacity = 16
	conf.Conf.Retry.BaseDelay = time.Second
	conf.Conf.Retry.MaxDelay = time.Minute
	conf.Conf.Retry.MaxAttempts = 4
	conf.Conf.Retry.PollInterval = 5 * time.Second
	conf.Conf.Retry.Batch = 10

	cfg := engineConfig(conf, nil)

	assert.Equal(t, "ferri.local", cfg.Domain)
	assert.Equal(t, 16, cfg.QueueCapacity)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 0.2, cfg.Retry.Jitter, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
	assert.Equal(t, 10, cfg.RetryBatch)
}

func TestAcquirer(t *testing.T) {
	database := openDB(t)

	lease, err := acquirer(database)(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.NoError(t, lease.Release())
	assert.NoError(t, lease.Release())
}
