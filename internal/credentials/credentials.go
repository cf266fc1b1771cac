// Package credentials turns a principal and its keytab into the auth blob
// that travels with a job: the client logs in once, the broker checks the
// blob on submission, and every slot gets a copy in its work directory.
package credentials

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTTL is how long a login stays valid.
const DefaultTTL = 24 * time.Hour

var (
	// ErrInvalid is returned for a blob that does not verify.
	ErrInvalid = errors.New("credentials: invalid token")
	// ErrExpired is returned for a blob past its expiry.
	ErrExpired = errors.New("credentials: token expired")
)

// Token is a principal's login, signed with the principal's keytab secret.
type Token struct {
	Principal string    `json:"principal"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}

// Login reads the keytab at keytabPath and issues a token for principal.
func Login(principal, keytabPath string, ttl time.Duration) (*Token, error) {
	if principal == "" {
		return nil, fmt.Errorf("login: empty principal")
	}
	secret, err := ReadKeytab(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", principal, err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	t := &Token{Principal: principal, IssuedAt: now, ExpiresAt: now.Add(ttl)}
	t.Signature = t.sign(secret)
	return t, nil
}

// ReadKeytab returns the secret stored in a keytab file.
func ReadKeytab(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab: %w", err)
	}
	secret := bytes.TrimSpace(data)
	if len(secret) == 0 {
		return nil, fmt.Errorf("keytab %s is empty", path)
	}
	return secret, nil
}

func (t *Token) sign(secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%d|%d", t.Principal, t.IssuedAt.Unix(), t.ExpiresAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode returns the auth blob for t.
func (t *Token) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Decode parses an auth blob without verifying it.
func Decode(blob []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if t.Principal == "" || t.Signature == "" {
		return nil, ErrInvalid
	}
	return &t, nil
}

// Verifier checks auth blobs against known keytab secrets.
type Verifier struct {
	secrets map[string][]byte
	now     func() time.Time
}

// NewVerifier creates a verifier for the given principal secrets.
func NewVerifier(secrets map[string][]byte) *Verifier {
	return &Verifier{secrets: secrets, now: time.Now}
}

// LoadVerifier reads a YAML registry mapping each principal to the path of
// its keytab:
//
//	alice@EXAMPLE.COM: /etc/jobcoord/alice.keytab
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab registry: %w", err)
	}
	var entries map[string]string
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse keytab registry: %w", err)
	}
	secrets := make(map[string][]byte, len(entries))
	for principal, keytab := range entries {
		secret, err := ReadKeytab(keytab)
		if err != nil {
			return nil, fmt.Errorf("principal %s: %w", principal, err)
		}
		secrets[principal] = secret
	}
	return NewVerifier(secrets), nil
}

// Verify checks blob and returns the principal it was issued to.
func (v *Verifier) Verify(blob []byte) (string, error) {
	t, err := Decode(blob)
	if err != nil {
		return "", err
	}
	secret, ok := v.secrets[t.Principal]
	if !ok {
		return "", fmt.Errorf("%w: unknown principal %s", ErrInvalid, t.Principal)
	}
	if !hmac.Equal([]byte(t.sign(secret)), []byte(t.Signature)) {
		return "", ErrInvalid
	}
	if v.now().After(t.ExpiresAt) {
		return "", ErrExpired
	}
	return t.Principal, nil
}
