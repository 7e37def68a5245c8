package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/ferri/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedSize = 20

// userFeed renders the newest posts of a local user as RSS. Boosts show
// the boosted content under the original author.
func userFeed(localDomain string, user *domain.User, posts []domain.Post, now time.Time) *feeds.Feed {
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s (@%s@%s)", name, user.Username, localDomain),
		Link:        &feeds.Link{Href: user.Actor.Id},
		Description: fmt.Sprintf("Posts by %s on %s", user.Acct, localDomain),
		Author:      &feeds.Author{Name: name},
		Created:     now,
	}
	if len(posts) > 0 {
		feed.Updated = posts[0].CreatedAt
	}

	for _, post := range posts {
		original := post.Original()
		author := user.Acct
		title := post.CreatedAt.UTC().Format(time.RFC1123)
		if post.IsBoost() && original.User != nil {
			author = original.User.Acct
			title = "Boosted from " + author
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          post.URI,
			Title:       title,
			Link:        &feeds.Link{Href: original.URI},
			Description: original.Content,
			Author:      &feeds.Author{Name: author},
			Created:     post.CreatedAt,
		})
	}
	return feed
}

func (s *Server) handleFeed(c *gin.Context) {
	user := s.localUser(c)
	if user == nil {
		return
	}
	posts, err := s.users.PostsByUser(c.Request.Context(), user.Id, feedSize)
	if err != nil {
		s.log.Error("Feed lookup failed", "user", user.Id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	rss, err := userFeed(s.domain, user, posts, time.Now()).ToRss()
	if err != nil {
		s.log.Error("Failed to render feed", "user", user.Id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
