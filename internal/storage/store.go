// Package storage persists the payloads produced when a call ends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind of payload
type Kind string

const (
	KindParticipant Kind = "participant"
	KindAudio       Kind = "audio"
	KindScreenShare Kind = "screenshare"
	KindRoster      Kind = "roster"
)

// Payload is one opaque unit handed to a Store.
type Payload struct {
	Kind Kind
	// Name identifies the payload within the call, e.g. the participant id.
	Name     string
	Metadata map[string]string
	Body     any
}

// Envelope is the persisted form of a Payload.
type Envelope struct {
	CallID   string            `json:"callId" msgpack:"callId"`
	Kind     Kind              `json:"kind" msgpack:"kind"`
	Name     string            `json:"name" msgpack:"name"`
	SavedAt  time.Time         `json:"savedAt" msgpack:"savedAt"`
	Metadata map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Body     any               `json:"body" msgpack:"body"`
}

// Store receives payloads at teardown. Implementations must be safe for
// concurrent use.
type Store interface {
	Save(ctx context.Context, p Payload) error
}

// FileStore writes each payload to <dir>/<callID>/<kind>-<name>.<ext>.
type FileStore struct {
	dir    string
	callID string
	codec  Codec
	log    zerolog.Logger
	now    func() time.Time
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir, callID string, codec Codec, log zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: output directory is required")
	}
	if callID == "" {
		return nil, errors.New("storage: call id is required")
	}
	if codec == nil {
		return nil, errors.New("storage: codec is required")
	}
	return &FileStore{
		dir:    dir,
		callID: callID,
		codec:  codec,
		log:    log.With().Str("component", "storage").Str("call_id", callID).Logger(),
		now:    time.Now,
	}, nil
}

// Path returns the file p is written to.
func (s *FileStore) Path(p Payload) string {
	base := string(p.Kind)
	if p.Name != "" {
		base += "-" + sanitize(p.Name)
	}
	return filepath.Join(s.dir, sanitize(s.callID), base+"."+s.codec.Ext())
}

// Save encodes p and writes it atomically.
func (s *FileStore) Save(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.codec.Marshal(Envelope{
		CallID:   s.callID,
		Kind:     p.Kind,
		Name:     p.Name,
		SavedAt:  s.now().UTC(),
		Metadata: p.Metadata,
		Body:     p.Body,
	})
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", p.Kind, p.Name, err)
	}

	path := s.Path(p)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := writeFile(tmp, data); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}

	s.log.Info().
		Str("kind", string(p.Kind)).
		Str("name", p.Name).
		Str("path", path).
		Int("bytes", len(data)).
		Msg("payload saved")
	return nil
}

func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// sanitize keeps participant and call ids usable as file names. A name that
// had to be rewritten gets a "~" and the hash of the raw name appended, so
// distinct ids never share a file. "~" never survives unrewritten.
func sanitize(raw string) string {
	s := strings.TrimLeft(raw, ".")
	if s == "" {
		s = "_"
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	if s == raw {
		return s
	}
	return fmt.Sprintf("%s~%016x", s, xxhash.Sum64String(raw))
}
