package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jverhoef/schoolgate/internal/identity"
	"github.com/jverhoef/schoolgate/internal/logging"
)

// DefaultSessionLifetime bounds how long a captured portal session is
// trusted, regardless of what the portal's cookies claim. Browser sessions
// routinely outlive their server-side validity, so the portal's declared
// cookie expiry is never trusted.
const DefaultSessionLifetime = 30 * 24 * time.Hour

// envelopeKindSession tags persisted session blobs. Loading resolves the
// tag explicitly; unknown kinds are discarded rather than guessed at.
const envelopeKindSession = "session"

// SessionCookie is one captured portal cookie.
type SessionCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// StoredSession is the persisted capture of an authenticated portal
// session: the cookie jar contents, the user agent the session was captured
// under, and explicit lifecycle timestamps fixed at capture time.
type StoredSession struct {
	Cookies         []SessionCookie `json:"cookies"`
	RawCookieHeader string          `json:"rawCookieHeader"`
	UserAgent       string          `json:"userAgent"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

// sessionEnvelope wraps a StoredSession with an explicit kind tag and
// version so future variants are resolved at load time instead of by
// parse-and-catch.
type sessionEnvelope struct {
	Kind    string        `json:"kind"`
	Version int           `json:"v"`
	Session StoredSession `json:"session"`
}

// SessionStore persists encrypted StoredSession blobs per user.
type SessionStore struct {
	backend Backend
	sealer  *Sealer
	logger  *slog.Logger
	now     func() time.Time
}

// NewSessionStore creates a SessionStore over the given backend and sealer.
func NewSessionStore(backend Backend, sealer *Sealer, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		backend: backend,
		sealer:  sealer,
		logger:  logging.WithComponent(logger, "session_store"),
		now:     time.Now,
	}
}

// Save encrypts and upserts the session for the identity.
func (s *SessionStore) Save(ctx context.Context, email string, sess *StoredSession) error {
	envelope := sessionEnvelope{Kind: envelopeKindSession, Version: 1, Session: *sess}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	blob, err := s.sealer.Seal(email, plaintext)
	if err != nil {
		return err
	}
	if err := s.backend.PutSessionBlob(ctx, identity.Handle(email), blob); err != nil {
		return err
	}
	s.logger.Debug("session persisted", logging.UserHash(email))
	return nil
}

// Load returns the stored session for the identity, or nil when absent.
// A blob that fails to decrypt or parse, carries an unknown kind, or has
// passed its explicit expiry is treated as absent: callers fall back to
// re-authentication instead of crashing on corrupt state.
func (s *SessionStore) Load(ctx context.Context, email string) (*StoredSession, error) {
	handle := identity.Handle(email)
	blob, ok, err := s.backend.GetSessionBlob(ctx, handle)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	plaintext, err := s.sealer.Open(email, blob)
	if err != nil {
		s.logger.Warn("discarding undecryptable session blob",
			logging.UserHash(email), logging.Err(err))
		return nil, nil
	}

	var envelope sessionEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		s.logger.Warn("discarding unparseable session blob",
			logging.UserHash(email), logging.Err(err))
		return nil, nil
	}
	if envelope.Kind != envelopeKindSession {
		s.logger.Warn("discarding session blob with unknown kind",
			logging.UserHash(email), slog.String("kind", envelope.Kind))
		return nil, nil
	}
	if !envelope.Session.ExpiresAt.IsZero() && !s.now().Before(envelope.Session.ExpiresAt) {
		s.logger.Info("stored session past its expiry", logging.UserHash(email))
		return nil, nil
	}
	return &envelope.Session, nil
}

// Exists reports whether any session blob is stored for the identity. It
// does not attempt decryption.
func (s *SessionStore) Exists(ctx context.Context, email string) (bool, error) {
	_, ok, err := s.backend.GetSessionBlob(ctx, identity.Handle(email))
	return ok, err
}

// Clear deletes the persisted session for the identity.
func (s *SessionStore) Clear(ctx context.Context, email string) error {
	if err := s.backend.DeleteSessionBlob(ctx, identity.Handle(email)); err != nil {
		return err
	}
	s.logger.Debug("session cleared", logging.UserHash(email))
	return nil
}
