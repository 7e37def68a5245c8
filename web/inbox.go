package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/ferri/activitypub"
	"github.com/gin-gonic/gin"
)

// handleInbox validates the envelope, classifies it and hands it to the
// Inbound queue. Nothing here touches the network or the store beyond the
// target lookup.
func (s *Server) handleInbox(c *gin.Context) {
	user := s.localUser(c)
	if user == nil {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	var act activitypub.Activity
	if err := json.Unmarshal(body, &act); err != nil {
		s.log.Warn("Rejected malformed activity", "inbox", c.Request.URL.Path, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Malformed activity"})
		return
	}
	if act.ID == "" || act.Type == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Activity needs id and type"})
		return
	}

	if act.Type == "Undo" {
		s.log.Info("Undo is not implemented, ignoring", "activity", act.ID, "actor", act.Actor.ID, "object", act.Object.ID)
		c.Status(http.StatusAccepted)
		return
	}

	// The worker leases a store connection when it dequeues the request.
	req := activitypub.NewInboxRequest(act, user, activitypub.Delivery{
		Signature: activitypub.NewSignedEnvelope(c.Request, body),
	})
	if req == nil {
		s.log.Info("Unsupported activity, ignoring", "activity", act.ID, "type", act.Type)
		c.Status(http.StatusAccepted)
		return
	}

	if err := s.fed.Inbound().Send(c.Request.Context(), activitypub.Inbound{Request: req}); err != nil {
		s.log.Error("Failed to enqueue activity", "activity", act.ID, "type", act.Type, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Try again later"})
		return
	}

	s.log.Debug("Queued activity", "activity", act.ID, "type", act.Type, "actor", act.Actor.ID)
	c.Status(http.StatusAccepted)
}
