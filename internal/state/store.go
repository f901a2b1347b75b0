package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradeguard/internal/breaker"
	"tradeguard/internal/regime"
	"tradeguard/internal/safety"
)

// Payload is everything the control plane needs to survive a restart.
type Payload struct {
	Gate     safety.GateState        `json:"gate"`
	Breakers []breaker.StateSnapshot `json:"breakers"`
	Regime   regime.State            `json:"regime"`
}

// envelope wraps a payload with its integrity metadata. The checksum covers
// the serialized payload bytes so a torn or hand-edited file never loads.
type envelope struct {
	Seq       uint64          `json:"seq"`
	WrittenAt time.Time       `json:"written_at"`
	Checksum  string          `json:"checksum"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrNoValidSnapshot means every retained snapshot failed validation. The
// caller must start conservatively, not invent state.
var ErrNoValidSnapshot = errors.New("no valid snapshot in ring")

const ringSize = 3

// Store persists snapshots with the temp-file-then-rename pattern and keeps a
// ring of the last three. Save is serialized; callers may invoke it from any
// goroutine.
type Store struct {
	mu  sync.Mutex
	dir string
	seq uint64
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{dir: dir}
	if env, _, err := s.newestValid(); err == nil {
		s.seq = env.Seq
	}
	return s, nil
}

func (s *Store) current() string { return filepath.Join(s.dir, "snapshot.json") }

func (s *Store) ringPath(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot.%d.json", i))
}

// Save writes the payload atomically and rotates the ring. A crash at any
// point leaves either the previous file or the new one, never a hybrid.
func (s *Store) Save(p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal snapshot payload: %w", err)
	}
	s.seq++
	env := envelope{
		Seq:       s.seq,
		WrittenAt: time.Now().UTC(),
		Checksum:  checksum(raw),
		Payload:   raw,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot envelope: %w", err)
	}

	// Rotate the ring before the current file is replaced: oldest falls
	// off, current becomes ring slot 1.
	_ = os.Remove(s.ringPath(ringSize - 1))
	for i := ringSize - 1; i > 1; i-- {
		_ = os.Rename(s.ringPath(i-1), s.ringPath(i))
	}
	if _, err := os.Stat(s.current()); err == nil {
		_ = os.Rename(s.current(), s.ringPath(1))
	}

	tmp := s.current() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, s.current()); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Load returns the newest payload whose checksum validates, walking the ring
// from newest to oldest. ErrNoValidSnapshot when the walk exhausts.
func (s *Store) Load() (Payload, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, path, err := s.newestValid()
	if err != nil {
		return Payload{}, 0, err
	}
	var p Payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return Payload{}, 0, fmt.Errorf("decode snapshot payload %s: %w", path, err)
	}
	if env.Seq > s.seq {
		s.seq = env.Seq
	}
	return p, env.Seq, nil
}

func (s *Store) newestValid() (envelope, string, error) {
	paths := []string{s.current()}
	for i := 1; i < ringSize; i++ {
		paths = append(paths, s.ringPath(i))
	}
	for _, path := range paths {
		env, err := readEnvelope(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("[STATE] snapshot %s rejected: %v", path, err)
			}
			continue
		}
		return env, path, nil
	}
	return envelope{}, "", ErrNoValidSnapshot
}

// LastWrittenAt reports the newest valid snapshot's write time, zero when
// none exists. The supervisor uses it for restart journaling.
func (s *Store) LastWrittenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, _, err := s.newestValid()
	if err != nil {
		return time.Time{}
	}
	return env.WrittenAt
}

func readEnvelope(path string) (envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("corrupt envelope: %w", err)
	}
	if got := checksum(env.Payload); got != env.Checksum {
		return envelope{}, fmt.Errorf("checksum mismatch: have %s want %s", got, env.Checksum)
	}
	return env, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
