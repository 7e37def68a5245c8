package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/ferri/activitypub"
	"github.com/deemkeen/ferri/db"
	"github.com/deemkeen/ferri/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const activityContentType = activitypub.ContentType + "; charset=utf-8"

// localUser resolves the :id path parameter to a local user. It writes the
// error response and returns nil when there is none.
func (s *Server) localUser(c *gin.Context) *domain.User {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Invalid user ID"})
		return nil
	}
	user, err := s.users.UserByID(c.Request.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return nil
	case err != nil:
		s.log.Error("User lookup failed", "path", c.Request.URL.Path, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return nil
	case user.Remote:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return nil
	}
	return user
}

// PersonDocument renders a local user as the Person served to other servers.
func PersonDocument(user *domain.User, publicKeyPEM string) *activitypub.Person {
	doc := &activitypub.Person{
		Context:           []string{activitypub.ActivityStreamsContext, "https://w3id.org/security/v1"},
		ID:                user.Actor.Id,
		Type:              "Person",
		PreferredUsername: user.Username,
		Name:              user.DisplayName,
		Inbox:             user.Actor.Inbox,
		Outbox:            user.Actor.Outbox,
		Followers:         user.Actor.FollowersURI(),
		PublicKey: &activitypub.PublicKey{
			ID:           user.KeyId,
			Owner:        user.Actor.Id,
			PublicKeyPem: publicKeyPEM,
		},
	}
	if doc.Name == "" {
		doc.Name = user.Username
	}
	if user.IconURL != "" {
		doc.Icon = &activitypub.Image{Type: "Image", URL: activitypub.Ref(user.IconURL)}
	}
	return doc
}

func (s *Server) handleActor(c *gin.Context) {
	user := s.localUser(c)
	if user == nil {
		return
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, PersonDocument(user, s.publicKeyPEM))
}
