package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("reference record not found")

// Source retrieves the raw reference document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Accessor loads the reference document on every call. There is no cache:
// the document is treated as immutable for a session, but a new session
// always sees the latest copy.
type Accessor struct {
	src    Source
	logger zerolog.Logger
}

func NewAccessor(src Source, logger zerolog.Logger) *Accessor {
	return &Accessor{src: src, logger: logger.With().Str("component", "reference").Logger()}
}

// Load returns the reference data, or an empty dataset when the fetch fails
// or the document cannot be decoded. It never returns nil.
func (a *Accessor) Load(ctx context.Context) *Data {
	data, err := a.LoadStrict(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("reference data unavailable, using empty dataset")
		return &Data{}
	}
	return data
}

// LoadStrict is Load without degradation.
func (a *Accessor) LoadStrict(ctx context.Context) (*Data, error) {
	if a.src == nil {
		return nil, errors.New("no reference source configured")
	}
	raw, err := a.src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch reference document: %w", err)
	}
	return Decode(raw, a.logger)
}

// Decode parses the reference document collection by collection. A
// malformed collection, or a malformed element inside one, is dropped on its
// own so the rest of the document stays usable. Only a document that is not
// a JSON object at all is an error.
func Decode(raw []byte, logger zerolog.Logger) (*Data, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("decode reference document: %w", err)
	}
	data := &Data{
		Patients:         decodeList[Patient](top["patients"], "patients", logger),
		Doctors:          decodeList[Doctor](top["doctors"], "doctors", logger),
		DrugInteractions: decodeList[DrugInteractionRule](top["drugInteractions"], "drugInteractions", logger),
	}
	return data, nil
}

func decodeList[T any](raw json.RawMessage, name string, logger zerolog.Logger) []T {
	if len(raw) == 0 {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		logger.Warn().Err(err).Str("collection", name).Msg("reference collection is not a list")
		return nil
	}
	out := make([]T, 0, len(elems))
	for i, el := range elems {
		var v T
		if err := json.Unmarshal(el, &v); err != nil {
			logger.Warn().Err(err).Str("collection", name).Int("index", i).Msg("skipping malformed reference record")
			continue
		}
		out = append(out, v)
	}
	return out
}
