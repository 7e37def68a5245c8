package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
)

// Reference is an ActivityStreams link. On the wire it is a URI string, an
// object carrying an id, or an array whose first element is used.
type Reference struct {
	ID string
	// Raw holds the embedded object when the reference arrived as one.
	Raw json.RawMessage
}

func Ref(id string) Reference {
	return Reference{ID: id}
}

func (r *Reference) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = Reference{}
		return nil
	}

	switch b[0] {
	case '"':
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*r = Reference{ID: id}
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*r = Reference{ID: obj.ID, Raw: append(json.RawMessage(nil), b...)}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*r = Reference{}
		if len(items) > 0 {
			return r.UnmarshalJSON(items[0])
		}
	default:
		return fmt.Errorf("unsupported reference %s", b)
	}
	return nil
}

func (r Reference) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(r.ID)
}

// IsEmbedded reports whether the reference carried a full object.
func (r Reference) IsEmbedded() bool {
	return len(r.Raw) > 0
}

// Addresses is a to/cc list, accepted as a single string or an array.
type Addresses []string

func (a *Addresses) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Addresses{s}
		return nil
	}
	var refs []Reference
	if err := json.Unmarshal(b, &refs); err != nil {
		return err
	}
	out := make(Addresses, 0, len(refs))
	for _, ref := range refs {
		if ref.ID != "" {
			out = append(out, ref.ID)
		}
	}
	*a = out
	return nil
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Image struct {
	Type      string    `json:"type,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	URL       Reference `json:"url"`
}

// Person is the actor document served and fetched by servers.
type Person struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	Icon              *Image     `json:"icon,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
}

// Validate checks the fields the resolver cannot work without.
func (p *Person) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("person has no id")
	case p.Inbox == "":
		return fmt.Errorf("person %s has no inbox", p.ID)
	case p.PreferredUsername == "":
		return fmt.Errorf("person %s has no preferredUsername", p.ID)
	}
	return nil
}

type Attachment struct {
	Type      string    `json:"type,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	URL       Reference `json:"url"`
	Name      string    `json:"name,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Sensitive bool      `json:"sensitive,omitempty"`
}

// Alt is the attachment description: name, falling back to summary.
func (a Attachment) Alt() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Summary
}

type Note struct {
	Context      any          `json:"@context,omitempty"`
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Content      string       `json:"content"`
	Published    string       `json:"published,omitempty"`
	AttributedTo Reference    `json:"attributedTo"`
	To           Addresses    `json:"to,omitempty"`
	Cc           Addresses    `json:"cc,omitempty"`
	Sensitive    bool         `json:"sensitive,omitempty"`
	Attachment   []Attachment `json:"attachment,omitempty"`
}

// Activity is an inbound activity. Object keeps the raw embedded form so
// handlers can decode it as the type they expect.
type Activity struct {
	Context   any       `json:"@context,omitempty"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Actor     Reference `json:"actor"`
	Object    Reference `json:"object"`
	Published string    `json:"published,omitempty"`
	To        Addresses `json:"to,omitempty"`
	Cc        Addresses `json:"cc,omitempty"`
}

// EmbeddedNote decodes the object when it was sent inline.
func (a *Activity) EmbeddedNote() (*Note, error) {
	if !a.Object.IsEmbedded() {
		return nil, fmt.Errorf("activity %s object is not embedded", a.ID)
	}
	var note Note
	if err := json.Unmarshal(a.Object.Raw, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

// parsePublished reads an RFC 3339 timestamp, returning ok=false when it is
// absent or malformed.
func parsePublished(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Envelope is the outbound wire form of every activity this server sends.
type Envelope struct {
	Context   string   `json:"@context,omitempty"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Object    any      `json:"object"`
	Published string   `json:"published,omitempty"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
}
