// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest) for the ICE servers handed to browsers.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidConfig    = errors.New("turnrest: invalid generator config")
	ErrInvalidSessionID = errors.New("turnrest: invalid session id")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// SessionID defaults to a random UUID.
	SessionID func() string
}

type Generator struct {
	secret    []byte
	ttl       time.Duration
	prefix    string
	now       func() time.Time
	sessionID func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, fmt.Errorf("%w: shared secret is required", ErrInvalidConfig)
	case cfg.TTL < time.Second:
		return nil, fmt.Errorf("%w: ttl must be at least 1s", ErrInvalidConfig)
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, fmt.Errorf("%w: username prefix must be non-empty and must not contain ':'", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = uuid.NewString
	}
	return &Generator{
		secret:    []byte(cfg.SharedSecret),
		ttl:       cfg.TTL,
		prefix:    cfg.UsernamePrefix,
		now:       cfg.Now,
		sessionID: cfg.SessionID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Generate signs credentials for sessionID, which must be non-empty and
// free of ':'.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// GenerateRandom signs credentials for a fresh session id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.sessionID())
}

// Apply returns a copy of servers with c set on every entry that has a TURN
// URL. STUN-only entries are unchanged.
func (c Credentials) Apply(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = c.Username
			out[i].Credential = c.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
