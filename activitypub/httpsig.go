package activitypub

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

var (
	ErrMissingHost       = errors.New("request url has no host")
	ErrUnsigned          = errors.New("request carries no signature")
	ErrSignatureMismatch = errors.New("signature does not verify")
)

const (
	getHeaders  = "(request-target) host date"
	postHeaders = "(request-target) host date digest"

	// A signed Date may lag behind the local clock by maxDateAge and run
	// ahead of it by maxDateLead.
	maxDateAge  = 12 * time.Hour
	maxDateLead = time.Hour
)

// Signer signs outgoing requests with the server-wide RSA key.
type Signer struct {
	key *rsa.PrivateKey
	now func() time.Time
}

func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key, now: time.Now}
}

func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// FormatDate renders t as an RFC 7231 date, always in GMT.
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SigningString builds the canonical string covered by the signature. An
// empty digest produces the GET form.
func SigningString(method, target, host, date, digest string) string {
	var b strings.Builder
	b.WriteString("(request-target): ")
	b.WriteString(strings.ToLower(method))
	b.WriteString(" ")
	b.WriteString(target)
	b.WriteString("\nhost: ")
	b.WriteString(host)
	b.WriteString("\ndate: ")
	b.WriteString(date)
	if digest != "" {
		b.WriteString("\ndigest: ")
		b.WriteString(digest)
	}
	return b.String()
}

// Sign returns the base64 rsa-sha256 signature of str.
func (s *Signer) Sign(str string) (string, error) {
	sum := sha256.Sum256([]byte(str))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyString checks a base64 signature of str against pub.
func VerifyString(pub *rsa.PublicKey, str, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	sum := sha256.Sum256([]byte(str))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return ErrSignatureMismatch
	}
	return nil
}

// SignRequest sets Host, Date, Digest (when body is non-nil) and Signature
// on req. The date is taken fresh on every call.
func (s *Signer) SignRequest(req *http.Request, keyID string, body []byte) error {
	if req.URL == nil || req.URL.Host == "" {
		return ErrMissingHost
	}
	host := req.URL.Host
	date := FormatDate(s.now())

	digest := ""
	headers := getHeaders
	if body != nil {
		digest = Digest(body)
		headers = postHeaders
		req.Header.Set("Digest", digest)
	}

	sig, err := s.Sign(SigningString(req.Method, req.URL.RequestURI(), host, date, digest))
	if err != nil {
		return err
	}

	req.Host = host
	req.Header.Set("Host", host)
	req.Header.Set("Date", date)
	req.Header.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`, keyID, headers, sig))
	return nil
}

// SignedEnvelope is what the HTTP boundary keeps of an inbound request so
// its signature can be checked later on the queue worker.
type SignedEnvelope struct {
	Method     string
	RequestURI string
	Host       string
	Header     http.Header
	Body       []byte
}

// NewSignedEnvelope captures r and the body that was already read from it.
func NewSignedEnvelope(r *http.Request, body []byte) *SignedEnvelope {
	return &SignedEnvelope{
		Method:     r.Method,
		RequestURI: r.URL.RequestURI(),
		Host:       r.Host,
		Header:     r.Header.Clone(),
		Body:       body,
	}
}

func (e *SignedEnvelope) request() (*http.Request, error) {
	u, err := url.ParseRequestURI(e.RequestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", e.RequestURI, err)
	}
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Host", e.Host)
	return &http.Request{
		Method: e.Method,
		URL:    u,
		Host:   e.Host,
		Header: header,
		Body:   http.NoBody,
	}, nil
}

// KeyID returns the keyId named by the envelope's Signature header.
func (e *SignedEnvelope) KeyID() (string, error) {
	if e.Header.Get("Signature") == "" && e.Header.Get("Authorization") == "" {
		return "", ErrUnsigned
	}
	req, err := e.request()
	if err != nil {
		return "", err
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to parse signature: %w", err)
	}
	return verifier.KeyId(), nil
}

// Verify checks the signature against pub, the Date header against the
// local clock and, for requests with a body, that the Digest header is
// signed and matches the body bytes.
func (e *SignedEnvelope) Verify(pub *rsa.PublicKey) error {
	req, err := e.request()
	if err != nil {
		return err
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := checkDate(e.Header.Get("Date"), time.Now()); err != nil {
		return err
	}
	if len(e.Body) > 0 {
		if !slices.Contains(signedHeaders(e.Header), "digest") {
			return fmt.Errorf("%w: digest is not a signed header", ErrSignatureMismatch)
		}
		if got := e.Header.Get("Digest"); got != Digest(e.Body) {
			return fmt.Errorf("%w: digest %q does not match body", ErrSignatureMismatch, got)
		}
	}
	return nil
}

func checkDate(date string, now time.Time) error {
	if date == "" {
		return fmt.Errorf("%w: no date header", ErrSignatureMismatch)
	}
	at, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("%w: invalid date %q", ErrSignatureMismatch, date)
	}
	if at.Before(now.Add(-maxDateAge)) || at.After(now.Add(maxDateLead)) {
		return fmt.Errorf("%w: date %q is outside the accepted window", ErrSignatureMismatch, date)
	}
	return nil
}

// signedHeaders lists the headers parameter of the signature. Without one
// only the date is signed.
func signedHeaders(h http.Header) []string {
	sig := h.Get("Signature")
	if sig == "" {
		sig = strings.TrimPrefix(h.Get("Authorization"), "Signature ")
	}
	for _, param := range strings.Split(sig, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "headers" {
			return strings.Fields(strings.ToLower(strings.Trim(value, `"`)))
		}
	}
	return []string{"date"}
}

// ParsePublicKey converts a PEM string (PKIX or PKCS#1) to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(bytes.TrimSpace([]byte(pemString)))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return pub, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}

// KeyOwner strips the fragment from a keyId.
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func KeyOwner(keyID string) string {
	owner, _, _ := strings.Cut(keyID, "#")
	return owner
}
