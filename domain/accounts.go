package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor is the federation identity anchor for local and remote participants.
// Its Id is immutable once stored.
type Actor struct {
	Id     string
	Inbox  string
	Outbox string
}

// User is the local projection of an Actor. Acct is the bare username for
// local users and username@host for remote ones.
type User struct {
	Id          uuid.UUID
	Actor       Actor
	Username    string
	DisplayName string
	Acct        string
	Remote      bool
	URL         string
	CreatedAt   time.Time
	IconURL     string
	KeyId       string
}

func (u *User) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tAcct: %s \n\tActor: %s \n\tRemote: %t \n\tCREATED_AT: %s)", u.Id, u.Acct, u.Actor.Id, u.Remote, u.CreatedAt)
}

// FollowersURI is the followers collection of the actor.
func (a Actor) FollowersURI() string {
	return a.Id + "/followers"
}
