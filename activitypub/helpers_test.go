package activitypub

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/db"
	"github.com/deemkeen/ferri/domain"
	"github.com/deemkeen/ferri/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testDomain = "ferri.local"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func publicPEM(t *testing.T) string {
	t.Helper()
	pemString, err := util.PublicKeyPEM(&privateKey(t).PublicKey)
	require.NoError(t, err)
	return pemString
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func setupStore(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "ferri.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func lease(t *testing.T, database *db.DB) Lease {
	t.Helper()
	l, err := database.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { l.Release() })
	return l
}

// localUser stores a local user the way the bootstrap does.
func localUser(t *testing.T, store Store, username string) *domain.User {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	actorURI := "https://" + testDomain + "/users/" + id.String()
	actor := domain.Actor{Id: actorURI, Inbox: actorURI + "/inbox", Outbox: actorURI + "/outbox"}
	_, err := store.NewActor(ctx, actor)
	require.NoError(t, err)
	user := &domain.User{
		Id:          id,
		Actor:       actor,
		Username:    username,
		DisplayName: username,
		Acct:        username,
		URL:         "https://" + testDomain + "/" + username,
		KeyId:       actorURI + "#main-key",
	}
	_, err = store.NewUser(ctx, user)
	require.NoError(t, err)
	return user
}

func person(t *testing.T, id, username string) *Person {
	return &Person{
		Context:           ActivityStreamsContext,
		ID:                id,
		Type:              "Person",
		PreferredUsername: username,
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
		PublicKey:         &PublicKey{ID: id + "#main-key", Owner: id, PublicKeyPem: publicPEM(t)},
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type recordedPost struct {
	URL    string
	Header http.Header
	Body   []byte
}

// fediverse stands in for every remote server: it serves documents by
// absolute URL and records what was posted to inboxes.
type fediverse struct {
	mu     sync.Mutex
	docs   map[string]any
	status map[string]int
	gets   []string
	posts  []recordedPost
}

func newFediverse() *fediverse {
	return &fediverse{docs: map[string]any{}, status: map[string]int{}}
}

func (f *fediverse) serve(url string, doc any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url] = doc
}

func (f *fediverse) fail(url string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[url] = status
}

func (f *fediverse) heal(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.status, url)
}

func (f *fediverse) posted() []recordedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedPost(nil), f.posts...)
}

func (f *fediverse) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...)
}

func (f *fediverse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	url := "https://" + host + r.URL.RequestURI()
	if status, ok := f.status[url]; ok {
		w.WriteHeader(status)
		return
	}

	switch r.Method {
	case http.MethodGet:
		f.gets = append(f.gets, url)
		doc, ok := f.docs[url]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(doc)
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		f.posts = append(f.posts, recordedPost{URL: url, Header: r.Header.Clone(), Body: body})
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fediverse) httpClient() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, req)
		return rec.Result(), nil
	})}
}

func (f *fediverse) client(t *testing.T) *Client {
	return NewClient(NewSigner(privateKey(t)), WithHTTPClient(f.httpClient()))
}

// recordingSender collects messages instead of queueing them.
type recordingSender struct {
	mu   sync.Mutex
	msgs []QueueMessage
}

func (s *recordingSender) Send(_ context.Context, msg QueueMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) sent() []QueueMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueMessage(nil), s.msgs...)
}

// otherPublicKeyPEM is an unrelated key that must never verify our signatures.
const otherPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAy6EJFvHQ4fAogK/PL3kQ
dtYCvlgp1E3f6D2lmGavN3MvKZ4Acm+uQv5WoRp5HqwuDC5UsmPXUagjvC7AbW14
gGJWXa50Vy0/z3rwkUH5TP/RatufwE4v/u4wskGhmcjZ+gIV1N2IYh9FOPZPZZ+f
6acxtawhfXy4BxXw86UB5hRQbkL5+rUyyj4BggNtHpIPJB6j7QYuPflWEdtuEom1
wslPqPs+tUE5KmJ6oeudwFjJLhaqX5QuXk+Ue5b0h9cI8vDNS5QlUDDFjIxJDtWW
JoNCtN8CF2prnkVaRsSbx4tnHqpp2Y2ztz1OtlVTIY6Fiu/IsKB0Sk7aMjvcs8jV
BQIDAQAB
-----END PUBLIC KEY-----`
