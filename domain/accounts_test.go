package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUserToString(t *testing.T) {
	id := uuid.New()
	u := &User{
		Id:        id,
		Actor:     Actor{Id: "https://remote.example/users/bob"},
		Username:  "bob",
		Acct:      "bob@remote.example",
		Remote:    true,
		CreatedAt: time.Now(),
	}

	result := u.ToString()

	if !strings.Contains(result, "bob@remote.example") {
		t.Errorf("ToString() should contain acct, got: %s", result)
	}
	if !strings.Contains(result, id.String()) {
		t.Errorf("ToString() should contain ID, got: %s", result)
	}
	if !strings.Contains(result, "https://remote.example/users/bob") {
		t.Errorf("ToString() should contain actor, got: %s", result)
	}
}

func TestFollowersURI(t *testing.T) {
	a := Actor{Id: "https://ferri.example/users/123"}
	if got := a.FollowersURI(); got != "https://ferri.example/users/123/followers" {
		t.Errorf("FollowersURI() = %q", got)
	}
}
