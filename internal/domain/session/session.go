// Package session holds the logged-in identity for a dashboard session. A
// Session is created at login, read by every view during the session and
// cleared at logout. Snapshots live in the same key-value backend as the
// event logs under loggedInPatient:<sid> and loggedInDoctor:<sid>.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/platform/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	patientKeyPrefix = "loggedInPatient:"
	doctorKeyPrefix  = "loggedInDoctor:"

	contextKey = "session"
)

// Session is the explicit identity passed into every view. At most one of
// Patient and Doctor is set; neither means not authenticated.
type Session struct {
	ID      string             `json:"id"`
	Patient *reference.Patient `json:"patient,omitempty"`
	Doctor  *reference.Doctor  `json:"doctor,omitempty"`
}

func (s *Session) IsPatient() bool { return s != nil && s.Patient != nil }
func (s *Session) IsDoctor() bool  { return s != nil && s.Doctor != nil }

func (s *Session) Role() string {
	switch {
	case s.IsPatient():
		return auth.RolePatient
	case s.IsDoctor():
		return auth.RoleDoctor
	default:
		return ""
	}
}

// Subject returns the logged-in patient or doctor id.
func (s *Session) Subject() reference.ID {
	switch {
	case s.IsPatient():
		return s.Patient.ID
	case s.IsDoctor():
		return s.Doctor.ID
	default:
		return ""
	}
}

// Token is what a successful login hands back to the client.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Role      string    `json:"role"`
}

type Manager struct {
	kv       eventlog.KVStore
	accessor *reference.Accessor
	issuer   *auth.Issuer
	logger   zerolog.Logger
}

func NewManager(kv eventlog.KVStore, accessor *reference.Accessor, issuer *auth.Issuer, logger zerolog.Logger) *Manager {
	return &Manager{
		kv:       kv,
		accessor: accessor,
		issuer:   issuer,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// LoginPatient matches id, email and password against the reference data.
func (m *Manager) LoginPatient(ctx context.Context, id, email, password string) (*Session, *Token, error) {
	data := m.accessor.Load(ctx)
	p, ok := data.FindPatient(reference.NormalizeID(id))
	if !ok || !strings.EqualFold(strings.TrimSpace(p.Email), strings.TrimSpace(email)) || !passwordMatches(p.Password, password) {
		return nil, nil, ErrInvalidCredentials
	}
	sess := &Session{ID: uuid.New().String(), Patient: p.Public()}
	return m.start(ctx, sess, patientKeyPrefix, sess.Patient)
}

// LoginDoctor matches institution id, email and password.
func (m *Manager) LoginDoctor(ctx context.Context, institutionID, email, password string) (*Session, *Token, error) {
	data := m.accessor.Load(ctx)
	for i := range data.Doctors {
		d := &data.Doctors[i]
		if d.InstitutionID == "" || !strings.EqualFold(d.InstitutionID, strings.TrimSpace(institutionID)) {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(d.Email), strings.TrimSpace(email)) || !passwordMatches(d.Password, password) {
			continue
		}
		sess := &Session{ID: uuid.New().String(), Doctor: d.Public()}
		return m.start(ctx, sess, doctorKeyPrefix, sess.Doctor)
	}
	return nil, nil, ErrInvalidCredentials
}

func passwordMatches(stored, given string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func (m *Manager) start(ctx context.Context, sess *Session, prefix string, snapshot any) (*Session, *Token, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session snapshot: %w", err)
	}
	if err := m.kv.Set(ctx, prefix+sess.ID, string(raw)); err != nil {
		return nil, nil, fmt.Errorf("store session: %w", err)
	}
	signed, exp, err := m.issuer.Issue(sess.ID, sess.Subject().String(), sess.Role())
	if err != nil {
		_ = m.kv.Delete(ctx, prefix+sess.ID)
		return nil, nil, err
	}
	m.logger.Info().Str("session_id", sess.ID).Str("role", sess.Role()).Str("subject", sess.Subject().String()).Msg("session started")
	return sess, &Token{Token: signed, ExpiresAt: exp, Role: sess.Role()}, nil
}

// Load returns the session for sid. A missing snapshot yields a session
// with no identity rather than an error.
func (m *Manager) Load(ctx context.Context, sid string) (*Session, error) {
	sess := &Session{ID: sid}
	if sid == "" {
		return sess, nil
	}

	var p reference.Patient
	found, err := m.read(ctx, patientKeyPrefix+sid, &p)
	if err != nil {
		return nil, err
	}
	if found {
		sess.Patient = &p
		return sess, nil
	}

	var d reference.Doctor
	found, err = m.read(ctx, doctorKeyPrefix+sid, &d)
	if err != nil {
		return nil, err
	}
	if found {
		sess.Doctor = &d
	}
	return sess, nil
}

func (m *Manager) read(ctx context.Context, key string, dst any) (bool, error) {
	val, err := m.kv.Get(ctx, key)
	if errors.Is(err, eventlog.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read session: %w", err)
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("malformed session snapshot, treating as logged out")
		return false, nil
	}
	return true, nil
}

// Logout clears both role snapshots for sid.
func (m *Manager) Logout(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	if err := m.kv.Delete(ctx, patientKeyPrefix+sid); err != nil {
		return fmt.Errorf("clear patient session: %w", err)
	}
	if err := m.kv.Delete(ctx, doctorKeyPrefix+sid); err != nil {
		return fmt.Errorf("clear doctor session: %w", err)
	}
	m.logger.Info().Str("session_id", sid).Msg("session ended")
	return nil
}

// Middleware resolves the session named by the token's session id and
// stores it on the echo context. It must run after auth.Middleware.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sid := auth.SessionIDFromContext(c.Request().Context())
			sess, err := m.Load(c.Request().Context(), sid)
			if err != nil {
				m.logger.Error().Err(err).Str("session_id", sid).Msg("session lookup failed")
				sess = &Session{ID: sid}
			}
			c.Set(contextKey, sess)
			return next(c)
		}
	}
}

// FromContext returns the request's session, never nil.
func FromContext(c echo.Context) *Session {
	if sess, ok := c.Get(contextKey).(*Session); ok && sess != nil {
		return sess
	}
	return &Session{}
}

// WithSession stores sess on the echo context. Handler tests use it to
// skip the token round trip.
func WithSession(c echo.Context, sess *Session) {
	c.Set(contextKey, sess)
}
