package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/ferri/activitypub"
	"github.com/deemkeen/ferri/db"
	"github.com/gin-gonic/gin"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webfingerLink `json:"links"`
}

// parseAcct splits "acct:amy@ferri.local" into its user and host.
func parseAcct(resource string) (user, host string, ok bool) {
	acct, found := strings.CutPrefix(resource, "acct:")
	if !found {
		return "", "", false
	}
	user, host, found = strings.Cut(acct, "@")
	if !found || user == "" || host == "" {
		return "", "", false
	}
	return user, host, true
}

func webfingerNotFound(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

func (s *Server) handleWebfinger(c *gin.Context) {
	username, host, ok := parseAcct(c.Query("resource"))
	if !ok || !strings.EqualFold(host, s.domain) {
		webfingerNotFound(c)
		return
	}
	user, err := s.users.UserByUsername(c.Request.Context(), username)
	if errors.Is(err, db.ErrNotFound) || (err == nil && user.Remote) {
		webfingerNotFound(c)
		return
	}
	if err != nil {
		s.log.Error("Webfinger lookup failed", "resource", c.Query("resource"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, webfingerResponse{
		Subject: "acct:" + user.Username + "@" + s.domain,
		Aliases: []string{user.Actor.Id},
		Links: []webfingerLink{
			{Rel: "self", Type: activitypub.ContentType, Href: user.Actor.Id},
		},
	})
}
