package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Post struct {
	Id          uuid.UUID
	URI         string
	User        *User
	Content     string
	CreatedAt   time.Time
	Attachments []Attachment
	// BoostedPost is set on boost records, which carry no content of their own.
	BoostedPost *Post
}

type Attachment struct {
	Id        uuid.UUID
	PostId    uuid.UUID
	URL       string
	MediaType string
	Sensitive bool
	Alt       string
}

// IsBoost reports whether the post re-shares another post.
func (p *Post) IsBoost() bool {
	return p.BoostedPost != nil
}

// Original follows the boost chain down to the terminal post.
func (p *Post) Original() *Post {
	cur := p
	for cur.BoostedPost != nil {
		cur = cur.BoostedPost
	}
	return cur
}

func (p *Post) ToString() string {
	author := ""
	if p.User != nil {
		author = p.User.Acct
	}
	return fmt.Sprintf("\n\tId: %s \n\tURI: %s \n\tAuthor: %s \n\tContent: %s \n\tCreatedAt: %s)", p.Id, p.URI, author, p.Content, p.CreatedAt)
}
