package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/domain"
	"github.com/google/uuid"
)

// OutboxRequest is a unit of work for the Outbound queue.
type OutboxRequest interface {
	Kind() string
}

// OutboxAccept answers a Follow. Target is the follower.
type OutboxAccept struct {
	Follow Activity
	KeyID  string
	Target domain.Actor
}

// OutboxStatus publishes a local post.
type OutboxStatus struct {
	Post  *domain.Post
	KeyID string
}

// OutboxFollow makes a local user follow another actor.
type OutboxFollow struct {
	Follower *domain.User
	Followed *domain.User
}

// RetrySweep redelivers queued deliveries that are due.
type RetrySweep struct{}

func (*OutboxAccept) Kind() string { return "Accept" }
func (*OutboxStatus) Kind() string { return "Status" }
func (*OutboxFollow) Kind() string { return "Follow" }
func (RetrySweep) Kind() string    { return "RetrySweep" }

type DispatcherConfig struct {
	Domain      string
	PeerInboxes []string
	Retry       RetryPolicy
	RetryBatch  int
}

// Dispatcher is the Outbox Dispatcher. It runs on the Outbound worker and
// holds that worker's dedicated store lease.
type Dispatcher struct {
	client *Client
	store  OutboxStore
	domain string
	peers  []string
	retry  RetryPolicy
	batch  int
	log    *log.Logger
	now    func() time.Time
}

func NewDispatcher(client *Client, store OutboxStore, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 50
	}
	return &Dispatcher{
		client: client,
		store:  store,
		domain: cfg.Domain,
		peers:  cfg.PeerInboxes,
		retry:  cfg.Retry,
		batch:  cfg.RetryBatch,
		log:    logger.WithPrefix("outbox"),
		now:    time.Now,
	}
}

func (d *Dispatcher) activityID() string {
	return fmt.Sprintf("https://%s/activities/%s", d.domain, uuid.New())
}

// Dispatch renders, records and delivers req. Delivery failures are logged
// and handed to the retry queue; only store failures are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req OutboxRequest) error {
	switch r := req.(type) {
	case *OutboxAccept:
		return d.accept(ctx, r)
	case *OutboxStatus:
		return d.status(ctx, r)
	case *OutboxFollow:
		return d.follow(ctx, r)
	case RetrySweep, *RetrySweep:
		return d.sweep(ctx)
	default:
		return fmt.Errorf("unknown outbox request %T", req)
	}
}

func (d *Dispatcher) accept(ctx context.Context, r *OutboxAccept) error {
	followed := r.Follow.Object.ID
	env := &Envelope{
		Context: ActivityStreamsContext,
		ID:      d.activityID(),
		Type:    "Accept",
		Actor:   followed,
		Object: &Envelope{
			ID:     r.Follow.ID,
			Type:   "Follow",
			Actor:  r.Target.Id,
			Object: followed,
		},
		Published: d.now().UTC().Format(time.RFC3339),
	}
	d.log.Info("Accepting follow", "activity", r.Follow.ID, "actor", r.Target.Id)
	return d.send(ctx, env, r.Follow.ID, r.KeyID, []string{r.Target.Inbox})
}

// NoteURI is where a local post lives.
func NoteURI(localDomain string, userID, postID uuid.UUID) string {
	return fmt.Sprintf("https://%s/users/%s/posts/%s", localDomain, userID, postID)
}

// NoteID is the public id of a local post.
func (d *Dispatcher) NoteID(post *domain.Post) string {
	if post.URI != "" {
		return post.URI
	}
	return NoteURI(d.domain, post.User.Id, post.Id)
}

func (d *Dispatcher) status(ctx context.Context, r *OutboxStatus) error {
	post := r.Post
	if post == nil || post.User == nil {
		return errors.New("status without post or author")
	}
	actor := post.User.Actor
	noteID := d.NoteID(post)
	published := post.CreatedAt
	if published.IsZero() {
		published = d.now()
	}

	to := []string{actor.FollowersURI()}
	cc := []string{PublicAddress}
	note := &Note{
		ID:           noteID,
		Type:         "Note",
		Content:      post.Content,
		Published:    published.UTC().Format(time.RFC3339),
		AttributedTo: Ref(actor.Id),
		To:           to,
		Cc:           cc,
	}
	for _, att := range post.Attachments {
		note.Attachment = append(note.Attachment, Attachment{
			Type:      "Document",
			MediaType: att.MediaType,
			URL:       Ref(att.URL),
			Name:      att.Alt,
			Sensitive: att.Sensitive,
		})
		note.Sensitive = note.Sensitive || att.Sensitive
	}

	env := &Envelope{
		Context:   ActivityStreamsContext,
		ID:        noteID + "/activity",
		Type:      "Create",
		Actor:     actor.Id,
		Object:    note,
		Published: note.Published,
		To:        to,
		Cc:        cc,
	}

	inboxes, err := d.statusInboxes(ctx, actor.Id)
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		d.log.Info("Status has no recipients", "activity", env.ID)
	}
	return d.send(ctx, env, noteID, r.KeyID, inboxes)
}

// statusInboxes is the configured peers plus every follower inbox.
func (d *Dispatcher) statusInboxes(ctx context.Context, actorURI string) ([]string, error) {
	followers, err := d.store.FollowersOf(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var inboxes []string
	add := func(inbox string) {
		if inbox != "" && !seen[inbox] {
			seen[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}
	for _, peer := range d.peers {
		add(peer)
	}
	for _, f := range followers {
		add(f.Inbox)
	}
	return inboxes, nil
}

func (d *Dispatcher) follow(ctx context.Context, r *OutboxFollow) error {
	if r.Follower == nil || r.Followed == nil {
		return errors.New("follow without both users")
	}
	id := d.activityID()
	follow := &domain.Follow{Id: id, Follower: r.Follower.Actor.Id, Followed: r.Followed.Actor.Id}
	created, err := d.store.NewFollow(ctx, follow)
	if err != nil {
		return err
	}
	if !created {
		d.log.Info("Follow edge already stored, sending again", "actor", follow.Follower, "object", follow.Followed)
	}

	env := &Envelope{
		Context:   ActivityStreamsContext,
		ID:        id,
		Type:      "Follow",
		Actor:     r.Follower.Actor.Id,
		Object:    r.Followed.Actor.Id,
		Published: d.now().UTC().Format(time.RFC3339),
	}
	return d.send(ctx, env, r.Followed.Actor.Id, r.Follower.KeyId, []string{r.Followed.Actor.Inbox})
}

// send records env in the audit log and delivers it to every inbox. An id
// that was already recorded is not sent again.
func (d *Dispatcher) send(ctx context.Context, env *Envelope, objectURI, keyID string, inboxes []string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Type, err)
	}

	fresh, err := d.store.RecordOutbound(ctx, &domain.OutboundActivity{
		Id:           env.ID,
		ActivityType: env.Type,
		ActorURI:     env.Actor,
		ObjectURI:    objectURI,
		RawJSON:      string(body),
	})
	if err != nil {
		return err
	}
	if !fresh {
		d.log.Warn("Duplicate send suppressed", "activity", env.ID, "type", env.Type)
		return nil
	}

	var errs []error
	failed := false
	for _, inbox := range inboxes {
		var err error
		if ctx.Err() != nil {
			// Out of time: the rest go straight to the retry queue.
			err = &DeliveryError{Inbox: inbox, ActivityID: env.ID, Err: ctx.Err()}
		} else {
			err = d.deliver(ctx, env.ID, inbox, keyID, body)
		}
		if err == nil {
			d.log.Info("Delivered", "activity", env.ID, "type", env.Type, "inbox", inbox)
			continue
		}
		failed = true
		if err := d.scheduleRetry(ctx, env.ID, inbox, keyID, body, err); err != nil {
			errs = append(errs, err)
		}
	}
	if !failed && len(inboxes) > 0 {
		pctx, cancel := persistContext(ctx)
		defer cancel()
		if err := d.store.MarkDelivered(pctx, env.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
