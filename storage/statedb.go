package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
)

// rooted lists every key prefix the state root covers. Prefixes join it
// through rootPrefix so a new record kind cannot be left out of the root.
var rooted []string

func rootPrefix(p string) string {
	rooted = append(rooted, p)
	return p
}

var (
	prefixAccount = rootPrefix("acct:")
	prefixMatch   = rootPrefix("match:")
	prefixCircuit = rootPrefix("circ:")
	prefixMeta    = rootPrefix("meta:")

	keyHeight = prefixMeta + "height"
)

// overlay holds writes not yet flushed to the DB. A nil value is a tombstone.
type overlay map[string][]byte

func (o overlay) clone() overlay {
	out := make(overlay, len(o))
	for k, v := range o {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = bytes.Clone(v)
	}
	return out
}

// StateDB implements core.State over a DB. Writes collect in an overlay
// until Commit; Snapshot and RevertToSnapshot stack copies of that overlay.
// Matches are written compare-and-set on their revision. Not safe for
// concurrent use; the ledger serialises access.
type StateDB struct {
	db    DB
	buf   overlay
	saved []overlay
}

func NewStateDB(db DB) *StateDB {
	return &StateDB{db: db, buf: make(overlay)}
}

func (s *StateDB) read(key string) ([]byte, error) {
	if v, ok := s.buf[key]; ok {
		if v == nil {
			return nil, core.ErrNotFound
		}
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.buf[key] = data
	return nil
}

// load decodes the record at key into a fresh T.
func load[T any](s *StateDB, key string) (*T, error) {
	data, err := s.read(key)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// GetAccount never fails for an unknown address; it returns a zero account.
func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	acc, err := load[core.Account](s, prefixAccount+address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil
	}
	return acc, err
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.put(prefixAccount+acc.Address, acc)
}

func (s *StateDB) GetMatch(id string) (*core.Match, error) {
	return load[core.Match](s, prefixMatch+id)
}

// SetMatch stores m if the stored revision still equals m.Revision; a new
// match must come in at revision 0. On success m.Revision is advanced to the
// stored value. Any other case is core.ErrConflict.
func (s *StateDB) SetMatch(m *core.Match) error {
	var have uint64
	cur, err := s.GetMatch(m.ID)
	switch {
	case err == nil:
		have = cur.Revision
	case !errors.Is(err, core.ErrNotFound):
		return err
	case m.Revision != 0:
		return fmt.Errorf("%w: match %s not found at revision %d", core.ErrConflict, m.ID, m.Revision)
	}
	if cur != nil && have != m.Revision {
		return fmt.Errorf("%w: match %s stored at revision %d, write read %d",
			core.ErrConflict, m.ID, have, m.Revision)
	}

	next := *m
	next.Revision = m.Revision + 1
	if err := s.put(prefixMatch+m.ID, &next); err != nil {
		return err
	}
	m.Revision = next.Revision
	return nil
}

func (s *StateDB) GetCircuit(name string) (*core.CircuitDefinition, error) {
	return load[core.CircuitDefinition](s, prefixCircuit+name)
}

func (s *StateDB) SetCircuit(def *core.CircuitDefinition) error {
	return s.put(prefixCircuit+def.Name, def)
}

// GetHeight reads the committed transaction count, zero on a fresh store.
func (s *StateDB) GetHeight() (uint64, error) {
	data, err := s.read(keyHeight)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	case len(data) != 8:
		return 0, fmt.Errorf("height record is %d bytes, want 8", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *StateDB) SetHeight(h uint64) error {
	s.buf[keyHeight] = binary.BigEndian.AppendUint64(nil, h)
	return nil
}

// Snapshot pushes a copy of the overlay and returns its position.
func (s *StateDB) Snapshot() (int, error) {
	s.saved = append(s.saved, s.buf.clone())
	return len(s.saved) - 1, nil
}

// RevertToSnapshot restores the overlay saved at id. That snapshot and every
// later one are consumed.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.saved) {
		return fmt.Errorf("snapshot %d does not exist", id)
	}
	s.buf = s.saved[id].clone()
	s.saved = s.saved[:id]
	return nil
}

// ComputeRoot hashes every rooted entry, committed or buffered, in key
// order with length-prefixed keys and values. Nothing is flushed.
func (s *StateDB) ComputeRoot() string {
	view := make(map[string][]byte)
	for _, prefix := range rooted {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			view[string(it.Key())] = bytes.Clone(it.Value())
		}
		it.Release()
	}
	for k, v := range s.buf {
		if v == nil {
			delete(view, k)
			continue
		}
		view[k] = v
	}

	var enc []byte
	for _, k := range slices.Sorted(maps.Keys(view)) {
		enc = binary.BigEndian.AppendUint32(enc, uint32(len(k)))
		enc = append(enc, k...)
		enc = binary.BigEndian.AppendUint32(enc, uint32(len(view[k])))
		enc = append(enc, view[k]...)
	}
	return crypto.Hash(enc)
}

// Commit writes the overlay in a single batch, then starts a fresh one and
// drops all snapshots. On error the overlay is kept.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.buf {
		if v == nil {
			batch.Delete([]byte(k))
		} else {
			batch.Set([]byte(k), v)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("commit %d keys: %w", len(s.buf), err)
	}
	s.buf = make(overlay)
	s.saved = nil
	return nil
}
