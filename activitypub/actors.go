package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/db"
	"github.com/deemkeen/ferri/domain"
)

const maxDocumentSize = 1 << 20

// FetchError is a transport failure or non-2xx answer while dereferencing
// a remote object.
type FetchError struct {
	Kind   string
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s %s: status %d", e.Kind, e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means a fetched document does not have the expected shape.
type ParseError struct {
	Kind string
	URL  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type ActorInfo struct {
	Acct     string
	URL      string
	IsRemote bool
}

// ClassifyActor decides whether actorURI belongs to localDomain and derives
// the acct and profile url from it.
// "https://remote.example/users/bob" -> "bob@remote.example", "https://<local>/bob@remote.example"
func ClassifyActor(actorURI, username, localDomain string) (ActorInfo, error) {
	u, err := url.Parse(actorURI)
	if err != nil {
		return ActorInfo{}, fmt.Errorf("invalid actor URI: %w", err)
	}
	if u.Host == "" {
		return ActorInfo{}, fmt.Errorf("%w: %s", ErrMissingHost, actorURI)
	}

	info := ActorInfo{Acct: username}
	if u.Host != localDomain {
		info.Acct = username + "@" + u.Host
		info.IsRemote = true
	}
	info.URL = "https://" + localDomain + "/" + info.Acct
	return info, nil
}

// Resolver is the Actor Resolver.
type Resolver struct {
	client *Client
	domain string
	log    *log.Logger
}

func NewResolver(client *Client, localDomain string, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{client: client, domain: localDomain, log: logger.WithPrefix("resolver")}
}

// FetchPerson performs a signed GET of a Person document. The document must
// carry uri as its id.
func (r *Resolver) FetchPerson(ctx context.Context, uri, keyID string) (*Person, error) {
	var person Person
	if err := r.fetch(ctx, "Person", uri, keyID, &person); err != nil {
		return nil, err
	}
	if err := person.Validate(); err != nil {
		return nil, &ParseError{Kind: "Person", URL: uri, Err: err}
	}
	if person.ID != uri {
		return nil, &ParseError{Kind: "Person", URL: uri, Err: fmt.Errorf("document id is %s", person.ID)}
	}
	return &person, nil
}

// FetchNote performs a signed GET of a Note.
func (r *Resolver) FetchNote(ctx context.Context, uri, keyID string) (*Note, error) {
	var note Note
	if err := r.fetch(ctx, "Note", uri, keyID, &note); err != nil {
		return nil, err
	}
	if note.ID == "" {
		return nil, &ParseError{Kind: "Note", URL: uri, Err: errors.New("note has no id")}
	}
	return &note, nil
}

func (r *Resolver) fetch(ctx context.Context, kind, uri, keyID string, v any) error {
	resp, err := r.client.Get(uri).Activity().Sign(keyID).Send(ctx)
	if err != nil {
		return &FetchError{Kind: kind, URL: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		return &FetchError{Kind: kind, URL: uri, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return &FetchError{Kind: kind, URL: uri, Err: err}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &ParseError{Kind: kind, URL: uri, Err: err}
	}
	return nil
}

// ResolveActor dereferences actorURI and makes sure an Actor and a User
// exist for it. A User that is already stored is returned unchanged.
func (r *Resolver) ResolveActor(ctx context.Context, store Store, actorURI, keyID string) (*domain.User, error) {
	person, err := r.FetchPerson(ctx, actorURI, keyID)
	if err != nil {
		return nil, err
	}
	return r.StorePerson(ctx, store, person)
}

// StorePerson upserts the Actor, then the User, for an already fetched Person.
func (r *Resolver) StorePerson(ctx context.Context, store Store, person *Person) (*domain.User, error) {
	info, err := ClassifyActor(person.ID, person.PreferredUsername, r.domain)
	if err != nil {
		return nil, &ParseError{Kind: "Person", URL: person.ID, Err: err}
	}

	actor := domain.Actor{Id: person.ID, Inbox: person.Inbox, Outbox: person.Outbox}
	if _, err := store.NewActor(ctx, actor); err != nil {
		return nil, err
	}

	existing, err := store.UserByActorURI(ctx, actor.Id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	user := &domain.User{
		Actor:       actor,
		Username:    person.PreferredUsername,
		DisplayName: person.Name,
		Acct:        info.Acct,
		Remote:      info.IsRemote,
		URL:         info.URL,
		IconURL:     "https://" + r.domain + "/assets/pfp.png",
		KeyId:       actor.Id + "#main-key",
	}
	if user.DisplayName == "" {
		user.DisplayName = person.PreferredUsername
	}
	if person.Icon != nil && person.Icon.URL.ID != "" {
		user.IconURL = person.Icon.URL.ID
	}
	if person.PublicKey != nil && person.PublicKey.ID != "" {
		user.KeyId = person.PublicKey.ID
	}

	created, err := store.NewUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if created {
		r.log.Info("Resolved new actor", "actor", actor.Id, "acct", user.Acct)
	}
	return store.UserByActorURI(ctx, actor.Id)
}
