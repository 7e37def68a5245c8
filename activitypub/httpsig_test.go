package activitypub

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDateIsGMT(t *testing.T) {
	at := time.Date(2025, 10, 14, 12, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	assert.Equal(t, "Tue, 14 Oct 2025 10:00:00 GMT", FormatDate(at))
}

func TestSigningStringGet(t *testing.T) {
	got := SigningString("GET", "/users/bob", "remote.example", "Tue, 14 Oct 2025 10:00:00 GMT", "")
	want := "(request-target): get /users/bob\nhost: remote.example\ndate: Tue, 14 Oct 2025 10:00:00 GMT"
	assert.Equal(t, want, got)
}

func TestSigningStringPost(t *testing.T) {
	got := SigningString("POST", "/inbox", "remote.example", "Tue, 14 Oct 2025 10:00:00 GMT", Digest([]byte(`{"a":1}`)))
	want := "(request-target): post /inbox\nhost: remote.example\ndate: Tue, 14 Oct 2025 10:00:00 GMT\ndigest: SHA-256=AVq9f1zFei3ZS3WQ8ErYCEJzkF7jPsXOvq5iJ2qX+GI="
	assert.Equal(t, want, got)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "SHA-256=AVq9f1zFei3ZS3WQ8ErYCEJzkF7jPsXOvq5iJ2qX+GI=", Digest([]byte(`{"a":1}`)))
	assert.Equal(t, "SHA-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", Digest([]byte{}))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSigner(privateKey(t))
	str := SigningString("GET", "/users/bob", "remote.example", "Tue, 14 Oct 2025 10:00:00 GMT", "")

	sig, err := signer.Sign(str)
	require.NoError(t, err)
	require.NoError(t, VerifyString(signer.PublicKey(), str, sig))

	// Any single changed byte breaks the signature.
	mutated := []byte(str)
	mutated[len(mutated)-1] ^= 0x01
	assert.ErrorIs(t, VerifyString(signer.PublicKey(), string(mutated), sig), ErrSignatureMismatch)

	assert.Error(t, VerifyString(signer.PublicKey(), str, "not base64!"))
}

func TestSignRequestMissingHost(t *testing.T) {
	signer := NewSigner(privateKey(t))
	req, err := http.NewRequest(http.MethodGet, "/users/bob", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, signer.SignRequest(req, "https://ferri.local/users/a#main-key", nil), ErrMissingHost)
}

func fixedSigner(t *testing.T) *Signer {
	signer := NewSigner(privateKey(t))
	signer.now = func() time.Time { return time.Date(2025, 10, 14, 10, 0, 0, 0, time.UTC) }
	return signer
}

func TestSignRequestGet(t *testing.T) {
	signer := fixedSigner(t)
	req, err := http.NewRequest(http.MethodGet, "https://remote.example/users/bob?page=1", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req, "https://ferri.local/users/a#main-key", nil))

	assert.Equal(t, "remote.example", req.Host)
	assert.Equal(t, "Tue, 14 Oct 2025 10:00:00 GMT", req.Header.Get("Date"))
	assert.Empty(t, req.Header.Get("Digest"))

	sigHeader := req.Header.Get("Signature")
	assert.Contains(t, sigHeader, `keyId="https://ferri.local/users/a#main-key"`)
	assert.Contains(t, sigHeader, `algorithm="rsa-sha256"`)
	assert.Contains(t, sigHeader, `headers="(request-target) host date"`)

	_, sig, ok := strings.Cut(sigHeader, `signature="`)
	require.True(t, ok)
	sig = strings.TrimSuffix(sig, `"`)
	str := SigningString("GET", "/users/bob?page=1", "remote.example", "Tue, 14 Oct 2025 10:00:00 GMT", "")
	assert.NoError(t, VerifyString(signer.PublicKey(), str, sig))
}

// inbound replays a signed outgoing request as the server would receive it.
func inbound(out *http.Request, body []byte) *http.Request {
	in := httptest.NewRequest(out.Method, out.URL.RequestURI(), bytes.NewReader(body))
	in.Host = out.Host
	in.Header = out.Header.Clone()
	return in
}

func TestSignedEnvelopeVerify(t *testing.T) {
	signer := NewSigner(privateKey(t))
	keyID := "https://remote.example/users/bob#main-key"
	body := []byte(`{"type":"Follow"}`)

	out, err := http.NewRequest(http.MethodPost, "https://ferri.local/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(out, keyID, body))
	assert.Equal(t, Digest(body), out.Header.Get("Digest"))
	assert.Contains(t, out.Header.Get("Signature"), `headers="(request-target) host date digest"`)

	env := NewSignedEnvelope(inbound(out, body), body)
	got, err := env.KeyID()
	require.NoError(t, err)
	assert.Equal(t, keyID, got)
	assert.NoError(t, env.Verify(signer.PublicKey()))

	t.Run("tampered body", func(t *testing.T) {
		tampered := []byte(`{"type":"Block"}`)
		env := NewSignedEnvelope(inbound(out, tampered), tampered)
		assert.ErrorIs(t, env.Verify(signer.PublicKey()), ErrSignatureMismatch)
	})

	t.Run("other key", func(t *testing.T) {
		other, err := ParsePublicKey(otherPublicKeyPEM)
		require.NoError(t, err)
		assert.ErrorIs(t, env.Verify(other), ErrSignatureMismatch)
	})

	t.Run("unsigned", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/alice/inbox", bytes.NewReader(body))
		_, err := NewSignedEnvelope(req, body).KeyID()
		assert.ErrorIs(t, err, ErrUnsigned)
	})

	t.Run("digest not signed", func(t *testing.T) {
		date := FormatDate(time.Now())
		sig, err := signer.Sign(SigningString(http.MethodPost, "/users/alice/inbox", "ferri.local", date, ""))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/users/alice/inbox", bytes.NewReader(body))
		req.Host = "ferri.local"
		req.Header.Set("Date", date)
		req.Header.Set("Digest", Digest(body))
		req.Header.Set("Signature", `keyId="`+keyID+`",algorithm="rsa-sha256",headers="(request-target) host date",signature="`+sig+`"`)

		err = NewSignedEnvelope(req, body).Verify(signer.PublicKey())
		assert.ErrorIs(t, err, ErrSignatureMismatch)
		assert.Contains(t, err.Error(), "digest is not a signed header")
	})

	for name, shift := range map[string]time.Duration{
		"stale date":  -13 * time.Hour,
		"future date": 2 * time.Hour,
	} {
		t.Run(name, func(t *testing.T) {
			shifted := NewSigner(privateKey(t))
			shifted.now = func() time.Time { return time.Now().Add(shift) }
			out, err := http.NewRequest(http.MethodPost, "https://ferri.local/users/alice/inbox", bytes.NewReader(body))
			require.NoError(t, err)
			require.NoError(t, shifted.SignRequest(out, keyID, body))

			err = NewSignedEnvelope(inbound(out, body), body).Verify(shifted.PublicKey())
			assert.ErrorIs(t, err, ErrSignatureMismatch)
			assert.Contains(t, err.Error(), "outside the accepted window")
		})
	}
}

func TestCheckDate(t *testing.T) {
	now := time.Date(2025, 10, 14, 10, 0, 0, 0, time.UTC)
	assert.NoError(t, checkDate(FormatDate(now), now))
	assert.NoError(t, checkDate(FormatDate(now.Add(-11*time.Hour)), now))
	assert.NoError(t, checkDate(FormatDate(now.Add(30*time.Minute)), now))
	assert.ErrorIs(t, checkDate(FormatDate(now.Add(-13*time.Hour)), now), ErrSignatureMismatch)
	assert.ErrorIs(t, checkDate(FormatDate(now.Add(2*time.Hour)), now), ErrSignatureMismatch)
	assert.ErrorIs(t, checkDate("", now), ErrSignatureMismatch)
	assert.ErrorIs(t, checkDate("yesterday", now), ErrSignatureMismatch)
}

func TestParsePublicKey(t *testing.T) {
	pub, err := ParsePublicKey(publicPEM(t))
	require.NoError(t, err)
	assert.True(t, pub.Equal(&privateKey(t).PublicKey))

	_, err = ParsePublicKey("not a key")
	assert.Error(t, err)
}

func TestKeyOwner(t *testing.T) {
	assert.Equal(t, "https://example.com/users/alice", KeyOwner("https://example.com/users/alice#main-key"))
	assert.Equal(t, "https://example.com/users/alice", KeyOwner("https://example.com/users/alice"))
}
