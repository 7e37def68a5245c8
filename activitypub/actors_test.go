package activitypub

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyActor(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		username string
		want     ActorInfo
	}{
		{
			name:     "remote",
			uri:      "https://remote.example/users/bob",
			username: "bob",
			want:     ActorInfo{Acct: "bob@remote.example", URL: "https://ferri.local/bob@remote.example", IsRemote: true},
		},
		{
			name:     "local",
			uri:      "https://ferri.local/users/1234",
			username: "alice",
			want:     ActorInfo{Acct: "alice", URL: "https://ferri.local/alice"},
		},
		{
			name:     "port is part of the host",
			uri:      "https://ferri.local:8443/users/bob",
			username: "bob",
			want:     ActorInfo{Acct: "bob@ferri.local:8443", URL: "https://ferri.local/bob@ferri.local:8443", IsRemote: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyActor(tt.uri, tt.username, testDomain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ClassifyActor("/users/bob", "bob", testDomain)
	assert.ErrorIs(t, err, ErrMissingHost)
	_, err = ClassifyActor("://bad", "bob", testDomain)
	assert.Error(t, err)
}

func TestResolveActorIsIdempotent(t *testing.T) {
	ctx := context.Background()
	remote := newFediverse()
	bob := person(t, "https://remote.example/users/bob", "bob")
	bob.Name = "Bob"
	bob.Icon = &Image{Type: "Image", URL: Ref("https://remote.example/bob.png")}
	remote.serve(bob.ID, bob)

	database := setupStore(t)
	resolver := NewResolver(remote.client(t), testDomain, quietLogger())

	first, err := resolver.ResolveActor(ctx, database, bob.ID, "https://ferri.local/users/a#main-key")
	require.NoError(t, err)
	assert.Equal(t, "bob@remote.example", first.Acct)
	assert.Equal(t, "Bob", first.DisplayName)
	assert.True(t, first.Remote)
	assert.Equal(t, "https://remote.example/bob.png", first.IconURL)
	assert.Equal(t, bob.ID+"#main-key", first.KeyId)
	assert.Equal(t, bob.Inbox, first.Actor.Inbox)

	bob.Name = "Robert"
	second, err := resolver.ResolveActor(ctx, database, bob.ID, "https://ferri.local/users/a#main-key")
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, "Bob", second.DisplayName, "a stored user is not updated")

	counts, err := database.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Actors)
	assert.Equal(t, 1, counts.Users)
}

func TestStorePersonDefaults(t *testing.T) {
	database := setupStore(t)
	resolver := NewResolver(newFediverse().client(t), testDomain, quietLogger())

	carol := person(t, "https://remote.example/users/carol", "carol")
	carol.PublicKey = nil
	user, err := resolver.StorePerson(context.Background(), database, carol)
	require.NoError(t, err)
	assert.Equal(t, "carol", user.DisplayName)
	assert.Equal(t, "https://ferri.local/assets/pfp.png", user.IconURL)
	assert.Equal(t, carol.ID+"#main-key", user.KeyId)
}

func TestFetchPersonErrors(t *testing.T) {
	ctx := context.Background()
	remote := newFediverse()
	database := setupStore(t)
	resolver := NewResolver(remote.client(t), testDomain, quietLogger())

	t.Run("not found", func(t *testing.T) {
		_, err := resolver.ResolveActor(ctx, database, "https://remote.example/users/ghost", "k")
		var ferr *FetchError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, http.StatusNotFound, ferr.Status)
	})

	t.Run("server error", func(t *testing.T) {
		remote.fail("https://remote.example/users/down", http.StatusBadGateway)
		_, err := resolver.FetchPerson(ctx, "https://remote.example/users/down", "k")
		var ferr *FetchError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, http.StatusBadGateway, ferr.Status)
	})

	t.Run("missing inbox", func(t *testing.T) {
		remote.serve("https://remote.example/users/noinbox", map[string]string{
			"id":                "https://remote.example/users/noinbox",
			"type":              "Person",
			"preferredUsername": "noinbox",
		})
		_, err := resolver.ResolveActor(ctx, database, "https://remote.example/users/noinbox", "k")
		var perr *ParseError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("id mismatch", func(t *testing.T) {
		remote.serve("https://remote.example/users/alias", person(t, "https://remote.example/users/real", "real"))
		_, err := resolver.FetchPerson(ctx, "https://remote.example/users/alias", "k")
		var perr *ParseError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("not json", func(t *testing.T) {
		remote.serve("https://remote.example/users/garbage", "just a string")
		_, err := resolver.FetchPerson(ctx, "https://remote.example/users/garbage", "k")
		var perr *ParseError
		assert.ErrorAs(t, err, &perr)
	})

	counts, err := database.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Actors, "failed resolutions write nothing")
	assert.Zero(t, counts.Users)
}

func TestFetchIsSigned(t *testing.T) {
	remote := newFediverse()
	bob := person(t, "https://remote.example/users/bob", "bob")
	remote.serve(bob.ID, bob)

	var signature string
	client := NewClient(NewSigner(privateKey(t)), WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			signature = req.Header.Get("Signature")
			return remote.httpClient().Transport.RoundTrip(req)
		}),
	}))
	resolver := NewResolver(client, testDomain, quietLogger())

	_, err := resolver.FetchPerson(context.Background(), bob.ID, "https://ferri.local/users/a#main-key")
	require.NoError(t, err)
	assert.Contains(t, signature, `keyId="https://ferri.local/users/a#main-key"`)
}

func TestFetchNote(t *testing.T) {
	remote := newFediverse()
	remote.serve("https://remote.example/notes/1", &Note{ID: "https://remote.example/notes/1", Type: "Note", Content: "hi"})
	remote.serve("https://remote.example/notes/anon", map[string]string{"type": "Note"})
	resolver := NewResolver(remote.client(t), testDomain, quietLogger())

	note, err := resolver.FetchNote(context.Background(), "https://remote.example/notes/1", "k")
	require.NoError(t, err)
	assert.Equal(t, "hi", note.Content)

	_, err = resolver.FetchNote(context.Background(), "https://remote.example/notes/anon", "k")
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}
