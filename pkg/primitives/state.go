// pkg/primitives/state.go
package primitives

import (
	"strata/pkg/core"
	"strata/pkg/txn"
)

// State is the single-cell state adapter. Cells carry Counter-kind
// versions; transitions are conditional writes.
type State struct {
	session *Session
}

// NewState creates the state adapter over a session.
func NewState(session *Session) *State {
	return &State{session: session}
}

func (s *State) key(cell string) (core.Key, error) {
	if err := core.ValidateUserKeyWithLimits(cell, s.session.db.Limits()); err != nil {
		return core.Key{}, err
	}
	return core.NewStringKey(core.NamespaceForBranch(s.session.branch), core.TagState, cell), nil
}

// Init creates a cell only if it is absent. Returns false when the
// cell already exists.
func (s *State) Init(cell string, value core.Value) (bool, error) {
	key, err := s.key(cell)
	if err != nil {
		return false, err
	}
	version, err := s.cas(txn.CASEntry{
		Key:          key,
		Kind:         txn.CASByVersion,
		ExpectAbsent: true,
		NewValue:     value,
		VersionKind:  core.KindCounter,
	})
	if err != nil {
		return false, err
	}
	return version != nil, nil
}

// Read returns the cell's value and version, or nil when absent.
func (s *State) Read(cell string) (*core.VersionedValue, error) {
	key, err := s.key(cell)
	if err != nil {
		return nil, err
	}
	return s.session.readVersioned(key)
}

// CAS writes newValue only if the cell's version equals expected;
// expected nil succeeds only when the cell is absent.
//
// A version mismatch is a discriminated negative result: (nil, nil).
// Every other failure — storage errors included — propagates as an
// error the caller can distinguish from a plain CAS failure.
func (s *State) CAS(cell string, expected *uint64, newValue core.Value) (*uint64, error) {
	key, err := s.key(cell)
	if err != nil {
		return nil, err
	}
	entry := txn.CASEntry{
		Key:         key,
		Kind:        txn.CASByVersion,
		NewValue:    newValue,
		VersionKind: core.KindCounter,
	}
	if expected == nil {
		entry.ExpectAbsent = true
	} else {
		entry.ExpectedVersion = *expected
	}
	return s.cas(entry)
}

// Transition writes newValue only if the cell currently holds
// expectedValue (type-strict comparison).
func (s *State) Transition(cell string, expectedValue, newValue core.Value) (*uint64, error) {
	key, err := s.key(cell)
	if err != nil {
		return nil, err
	}
	return s.cas(txn.CASEntry{
		Key:           key,
		Kind:          txn.CASByValue,
		ExpectedValue: expectedValue,
		NewValue:      newValue,
		VersionKind:   core.KindCounter,
	})
}

func (s *State) cas(entry txn.CASEntry) (*uint64, error) {
	if tx := s.session.activeTx(); tx != nil {
		if err := tx.CAS(entry); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tx := s.session.db.Begin(s.session.branch)
	if err := tx.CAS(entry); err != nil {
		s.session.db.Rollback(tx)
		return nil, err
	}
	if err := s.session.db.Commit(tx); err != nil {
		// Only a genuine CAS conflict maps to the negative result;
		// anything else propagates.
		if core.IsCode(err, core.CodeConflict) {
			return nil, nil
		}
		return nil, err
	}
	vv, err := s.session.db.Store().Get(entry.Key)
	if err != nil {
		return nil, err
	}
	if vv == nil {
		return nil, core.NewError(core.CodeInternal, "state cas committed but cell missing")
	}
	version := vv.Version.Uint64()
	return &version, nil
}
