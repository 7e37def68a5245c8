package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/domain"
)

var ErrTargetMismatch = errors.New("activity is not addressed to this inbox")

// Delivery is what every inbound request carries besides its activity: the
// connection lease it owns and, when captured, the request signature.
type Delivery struct {
	Conn      Lease
	Signature *SignedEnvelope
}

func (d *Delivery) delivery() *Delivery { return d }

func (d *Delivery) release(logger *log.Logger) {
	if d.Conn == nil {
		return
	}
	if err := d.Conn.Release(); err != nil {
		logger.Warn("Failed to release connection", "err", err)
	}
}

// InboxRequest is a classified inbound activity.
type InboxRequest interface {
	Kind() string
	delivery() *Delivery
}

type InboxDelete struct {
	Delivery
	Activity Activity
}

type InboxFollow struct {
	Delivery
	Activity Activity
	Followed *domain.User
}

type InboxCreate struct {
	Delivery
	Activity Activity
	Target   *domain.User
}

type InboxLike struct {
	Delivery
	Activity Activity
	Target   *domain.User
}

type InboxBoost struct {
	Delivery
	Activity Activity
	Target   *domain.User
}

func (*InboxDelete) Kind() string { return "Delete" }
func (*InboxFollow) Kind() string { return "Follow" }
func (*InboxCreate) Kind() string { return "Create" }
func (*InboxLike) Kind() string   { return "Like" }
func (*InboxBoost) Kind() string  { return "Announce" }

// NewInboxRequest classifies activity for the local user whose inbox it
// was posted to. It returns nil for activity types the engine does not
// handle.
func NewInboxRequest(activity Activity, user *domain.User, d Delivery) InboxRequest {
	switch activity.Type {
	case "Follow":
		return &InboxFollow{Delivery: d, Activity: activity, Followed: user}
	case "Create":
		return &InboxCreate{Delivery: d, Activity: activity, Target: user}
	case "Announce":
		return &InboxBoost{Delivery: d, Activity: activity, Target: user}
	case "Like":
		return &InboxLike{Delivery: d, Activity: activity, Target: user}
	case "Delete":
		return &InboxDelete{Delivery: d, Activity: activity}
	}
	return nil
}

// Inbox is the Inbox State Machine. It runs on the Inbound worker; each
// request brings its own connection.
type Inbox struct {
	resolver          *Resolver
	outbox            Sender
	requireSignatures bool
	log               *log.Logger
	now               func() time.Time
}

func NewInbox(resolver *Resolver, outbox Sender, requireSignatures bool, logger *log.Logger) *Inbox {
	if logger == nil {
		logger = log.Default()
	}
	return &Inbox{
		resolver:          resolver,
		outbox:            outbox,
		requireSignatures: requireSignatures,
		log:               logger.WithPrefix("inbox"),
		now:               time.Now,
	}
}

// Handle runs the transition for req. Any error aborts this activity only.
func (in *Inbox) Handle(ctx context.Context, req InboxRequest) error {
	d := req.delivery()
	if d.Conn == nil {
		return fmt.Errorf("%s request without a connection", req.Kind())
	}

	switch r := req.(type) {
	case *InboxFollow:
		return in.follow(ctx, r)
	case *InboxCreate:
		return in.create(ctx, r)
	case *InboxBoost:
		return in.boost(ctx, r)
	case *InboxLike:
		in.log.Warn("Like is not implemented, ignoring", "activity", r.Activity.ID, "actor", r.Activity.Actor.ID, "object", r.Activity.Object.ID)
		return nil
	case *InboxDelete:
		in.log.Warn("Delete is not implemented, ignoring", "activity", r.Activity.ID, "actor", r.Activity.Actor.ID, "object", r.Activity.Object.ID)
		return nil
	default:
		in.log.Warn("Unknown activity, dropping", "type", req.Kind())
		return nil
	}
}

func checkActivity(act *Activity) error {
	switch {
	case act.ID == "":
		return &ParseError{Kind: act.Type, Err: errors.New("activity has no id")}
	case act.Actor.ID == "":
		return &ParseError{Kind: act.Type, URL: act.ID, Err: errors.New("activity has no actor")}
	}
	return nil
}

// verify checks the captured signature when signatures are required: the
// key must belong to the activity's actor and verify the request.
func (in *Inbox) verify(ctx context.Context, d *Delivery, actorURI, keyID string) error {
	if !in.requireSignatures {
		return nil
	}
	if d.Signature == nil {
		return ErrUnsigned
	}

	sigKeyID, err := d.Signature.KeyID()
	if err != nil {
		return err
	}
	owner := KeyOwner(sigKeyID)
	if owner != actorURI {
		return fmt.Errorf("%w: key %s does not belong to %s", ErrSignatureMismatch, sigKeyID, actorURI)
	}

	person, err := in.resolver.FetchPerson(ctx, owner, keyID)
	if err != nil {
		return err
	}
	if person.PublicKey == nil || person.PublicKey.PublicKeyPem == "" {
		return &ParseError{Kind: "Person", URL: owner, Err: errors.New("person has no public key")}
	}
	if person.PublicKey.ID != "" && person.PublicKey.ID != sigKeyID {
		return fmt.Errorf("%w: person %s publishes key %s, request used %s", ErrSignatureMismatch, owner, person.PublicKey.ID, sigKeyID)
	}
	pub, err := ParsePublicKey(person.PublicKey.PublicKeyPem)
	if err != nil {
		return &ParseError{Kind: "Key", URL: sigKeyID, Err: err}
	}
	return d.Signature.Verify(pub)
}

func (in *Inbox) follow(ctx context.Context, r *InboxFollow) error {
	act := &r.Activity
	if err := checkActivity(act); err != nil {
		return err
	}
	if act.Object.ID != r.Followed.Actor.Id {
		return fmt.Errorf("%w: follow of %s posted to %s", ErrTargetMismatch, act.Object.ID, r.Followed.Actor.Id)
	}
	if err := in.verify(ctx, &r.Delivery, act.Actor.ID, r.Followed.KeyId); err != nil {
		return err
	}

	follower, err := in.resolver.ResolveActor(ctx, r.Conn, act.Actor.ID, r.Followed.KeyId)
	if err != nil {
		return err
	}

	follow := &domain.Follow{Id: act.ID, Follower: follower.Actor.Id, Followed: r.Followed.Actor.Id}
	created, err := r.Conn.NewFollow(ctx, follow)
	if err != nil {
		return err
	}
	if created {
		in.log.Info("New follower", "actor", follower.Actor.Id, "object", r.Followed.Actor.Id)
	} else {
		in.log.Info("Follow already recorded, accepting again", "activity", act.ID)
	}

	return in.outbox.Send(ctx, Outbound{Request: &OutboxAccept{
		Follow: *act,
		KeyID:  r.Followed.KeyId,
		Target: follower.Actor,
	}})
}

func (in *Inbox) create(ctx context.Context, r *InboxCreate) error {
	act := &r.Activity
	if err := checkActivity(act); err != nil {
		return err
	}
	if err := in.verify(ctx, &r.Delivery, act.Actor.ID, r.Target.KeyId); err != nil {
		return err
	}

	note, err := in.noteOf(ctx, act, r.Target.KeyId)
	if err != nil {
		return err
	}
	if note.Type != "Note" {
		in.log.Warn("Create of unsupported object, ignoring", "activity", act.ID, "type", note.Type)
		return nil
	}

	author, err := in.resolver.ResolveActor(ctx, r.Conn, act.Actor.ID, r.Target.KeyId)
	if err != nil {
		return err
	}

	post := in.notePost(note, author, act.Published)
	created, err := r.Conn.NewPost(ctx, post)
	if err != nil {
		return err
	}
	if created {
		in.log.Info("New post", "activity", act.ID, "object", post.URI, "actor", author.Actor.Id)
	} else {
		in.log.Debug("Post already stored", "object", post.URI)
	}
	return nil
}

// boost fetches every remote document first so a failed fetch writes
// nothing.
func (in *Inbox) boost(ctx context.Context, r *InboxBoost) error {
	act := &r.Activity
	if err := checkActivity(act); err != nil {
		return err
	}
	keyID := r.Target.KeyId
	if err := in.verify(ctx, &r.Delivery, act.Actor.ID, keyID); err != nil {
		return err
	}

	boosterPerson, err := in.resolver.FetchPerson(ctx, act.Actor.ID, keyID)
	if err != nil {
		return err
	}
	note, err := in.noteOf(ctx, act, keyID)
	if err != nil {
		return err
	}
	if note.AttributedTo.ID == "" {
		return &ParseError{Kind: "Note", URL: note.ID, Err: errors.New("note has no attributedTo")}
	}
	authorPerson := boosterPerson
	if note.AttributedTo.ID != boosterPerson.ID {
		if authorPerson, err = in.resolver.FetchPerson(ctx, note.AttributedTo.ID, keyID); err != nil {
			return err
		}
	}

	booster, err := in.resolver.StorePerson(ctx, r.Conn, boosterPerson)
	if err != nil {
		return err
	}
	author, err := in.resolver.StorePerson(ctx, r.Conn, authorPerson)
	if err != nil {
		return err
	}

	original := in.notePost(note, author, "")
	if _, err := r.Conn.NewPost(ctx, original); err != nil {
		return err
	}

	boost := &domain.Post{
		URI:         act.ID,
		User:        booster,
		CreatedAt:   in.timestamp(act.Published, ""),
		BoostedPost: original,
	}
	created, err := r.Conn.NewPost(ctx, boost)
	if err != nil {
		return err
	}
	if created {
		in.log.Info("New boost", "activity", act.ID, "actor", booster.Actor.Id, "object", original.URI)
	} else {
		in.log.Debug("Boost already stored", "activity", act.ID)
	}
	return nil
}

// noteOf returns the activity object as a Note, fetching it when only its
// URI was sent.
func (in *Inbox) noteOf(ctx context.Context, act *Activity, keyID string) (*Note, error) {
	if act.Object.IsEmbedded() {
		note, err := act.EmbeddedNote()
		if err != nil {
			return nil, &ParseError{Kind: "Note", URL: act.ID, Err: err}
		}
		if note.ID == "" {
			return nil, &ParseError{Kind: "Note", URL: act.ID, Err: errors.New("note has no id")}
		}
		return note, nil
	}
	if act.Object.ID == "" {
		return nil, &ParseError{Kind: "Note", URL: act.ID, Err: errors.New("activity has no object")}
	}
	return in.resolver.FetchNote(ctx, act.Object.ID, keyID)
}

func (in *Inbox) notePost(note *Note, author *domain.User, fallback string) *domain.Post {
	post := &domain.Post{
		URI:       note.ID,
		User:      author,
		Content:   note.Content,
		CreatedAt: in.timestamp(note.Published, fallback),
	}
	for _, att := range note.Attachment {
		if att.URL.ID == "" {
			continue
		}
		post.Attachments = append(post.Attachments, domain.Attachment{
			URL:       att.URL.ID,
			MediaType: att.MediaType,
			Sensitive: att.Sensitive || note.Sensitive,
			Alt:       att.Alt(),
		})
	}
	return post
}

func (in *Inbox) timestamp(published, fallback string) time.Time {
	if t, ok := parsePublished(published); ok {
		return t
	}
	if t, ok := parsePublished(fallback); ok {
		return t
	}
	return in.now().UTC()
}
