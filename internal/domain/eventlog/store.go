package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/platform/telemetry"
)

// ErrNotFound is returned by a KVStore when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KVStore is the keyed storage behind the logs. Values are whole JSON
// documents; there is no partial update.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store is the typed repository over per-subject logs.
//
// Append reads, modifies and writes the whole list for a key without
// versioning. Two writers appending to the same key concurrently can lose
// one of the updates.
type Store struct {
	kv      KVStore
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type StoreOption func(*Store)

func WithMetrics(m *telemetry.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(kv KVStore, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		kv:     kv,
		logger: logger.With().Str("component", "eventlog").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KV exposes the backing store so sibling components (sessions) can share it.
func (s *Store) KV() KVStore {
	return s.kv
}

// Get returns the raw records stored for (subject, kind). A missing key and a
// malformed list both read as empty; only backend failures are errors.
func (s *Store) Get(ctx context.Context, subject reference.ID, kind Kind) ([]json.RawMessage, error) {
	return loadList[json.RawMessage](ctx, s, subject, kind)
}

// Append adds one record to the end of the (subject, kind) list.
func (s *Store) Append(ctx context.Context, subject reference.ID, kind Kind, record any) error {
	if subject == "" {
		return errors.New("subject is required")
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown log kind %q", kind)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}

	list, err := s.Get(ctx, subject, kind)
	if err != nil {
		return err
	}
	list = append(list, raw)

	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode %s list: %w", kind, err)
	}
	key := Key(subject, kind)
	if err := s.kv.Set(ctx, key, string(encoded)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.metrics.LogAppended(string(kind))
	return nil
}

// loadList decodes the list under (subject, kind). A missing key or a value
// that does not decode as a list of T reads as empty.
func loadList[T any](ctx context.Context, s *Store, subject reference.ID, kind Kind) ([]T, error) {
	key := Key(subject, kind)
	val, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if strings.TrimSpace(val) == "" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("malformed log, reading as empty")
		s.metrics.LogMalformed(string(kind))
		return nil, nil
	}
	return out, nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) Messages(ctx context.Context, subject reference.ID) ([]Message, error) {
	return loadList[Message](ctx, s, subject, KindMessages)
}

func (s *Store) LabOrders(ctx context.Context, subject reference.ID) ([]LabOrder, error) {
	return loadList[LabOrder](ctx, s, subject, KindLabOrders)
}

func (s *Store) Appointments(ctx context.Context, subject reference.ID) ([]Appointment, error) {
	return loadList[Appointment](ctx, s, subject, KindAppointments)
}

// Allergies returns the override list of allergy names added locally.
func (s *Store) Allergies(ctx context.Context, subject reference.ID) ([]string, error) {
	return loadList[string](ctx, s, subject, KindAllergies)
}

// AppendMessage assigns an id and creation time when missing.
func (s *Store) AppendMessage(ctx context.Context, subject reference.ID, m *Message) error {
	if strings.TrimSpace(m.Text) == "" {
		return errors.New("message text is required")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = s.stamp()
	}
	return s.Append(ctx, subject, KindMessages, m)
}

func (s *Store) AppendLabOrder(ctx context.Context, subject reference.ID, o *LabOrder) error {
	tests := make([]string, 0, len(o.Tests))
	for _, t := range o.Tests {
		if t = strings.TrimSpace(t); t != "" {
			tests = append(tests, t)
		}
	}
	if len(tests) == 0 {
		return errors.New("at least one test is required")
	}
	o.Tests = tests
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.OrderedAt == "" {
		o.OrderedAt = s.stamp()
	}
	return s.Append(ctx, subject, KindLabOrders, o)
}

func (s *Store) AppendAppointment(ctx context.Context, subject reference.ID, a *Appointment) error {
	if a.Date == "" || a.Time == "" {
		return errors.New("appointment date and time are required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = s.stamp()
	}
	return s.Append(ctx, subject, KindAppointments, a)
}

// AppendAllergy records a lowercased allergy name. It reports false when the
// name was already on the list and nothing was written.
func (s *Store) AppendAllergy(ctx context.Context, subject reference.ID, name string) (bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false, errors.New("allergy name is required")
	}
	existing, err := s.Allergies(ctx, subject)
	if err != nil {
		return false, err
	}
	for _, a := range existing {
		if strings.EqualFold(a, name) {
			return false, nil
		}
	}
	return true, s.Append(ctx, subject, KindAllergies, name)
}

// Profile returns the attribute overrides stored for a patient. A missing
// or malformed record reads as no overrides.
func (s *Store) Profile(ctx context.Context, subject reference.ID) (map[string]json.RawMessage, error) {
	key := Key(subject, KindProfile)
	val, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("malformed profile override, ignoring")
		s.metrics.LogMalformed(string(KindProfile))
		return map[string]json.RawMessage{}, nil
	}
	return out, nil
}

// SaveProfile merges the given attributes into the stored overrides. A JSON
// null value removes the override for that attribute.
func (s *Store) SaveProfile(ctx context.Context, subject reference.ID, attrs map[string]json.RawMessage) error {
	current, err := s.Profile(ctx, subject)
	if err != nil {
		return err
	}
	for k, v := range attrs {
		if string(v) == "null" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	key := Key(subject, KindProfile)
	if err := s.kv.Set(ctx, key, string(encoded)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.metrics.LogAppended(string(KindProfile))
	return nil
}
