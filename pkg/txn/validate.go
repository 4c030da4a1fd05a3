// pkg/txn/validate.go
package txn

import (
	"fmt"

	"strata/pkg/core"
)

// StorageView is the slice of the store the validator needs. Narrow on
// purpose: tests inject failing implementations to prove that storage
// errors during validation propagate instead of masquerading as
// "key absent".
type StorageView interface {
	// CurrentVersionOf returns the newest version tag for the key,
	// tombstones included, and whether the key has any version.
	CurrentVersionOf(key core.Key) (uint64, bool, error)
	// Get returns the latest visible value for the key.
	Get(key core.Key) (*core.VersionedValue, error)
}

// ConflictKind classifies a validation conflict.
type ConflictKind int

const (
	ReadWriteConflict ConflictKind = iota
	CASConflict
	JSONVersionConflict
)

// String returns the conflict kind name
func (k ConflictKind) String() string {
	switch k {
	case ReadWriteConflict:
		return "ReadWriteConflict"
	case CASConflict:
		return "CASConflict"
	case JSONVersionConflict:
		return "JSONVersionConflict"
	default:
		return "Unknown"
	}
}

// Conflict describes one failed validation check.
type Conflict struct {
	Kind            ConflictKind
	Key             core.Key
	ExpectedVersion uint64
	CurrentVersion  uint64
}

// String renders the conflict for error messages
func (c Conflict) String() string {
	return fmt.Sprintf("%s on %s: expected version %d, current %d",
		c.Kind, c.Key, c.ExpectedVersion, c.CurrentVersion)
}

// ValidationResult accumulates every conflict found during validation.
// The transaction commits only when it is empty.
type ValidationResult struct {
	Conflicts []Conflict
}

// IsValid reports whether validation passed.
func (r *ValidationResult) IsValid() bool {
	return len(r.Conflicts) == 0
}

// Err converts the result to a Conflict-class error, or nil.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	return core.Errorf(core.CodeConflict, "transaction validation failed: %s", r.Conflicts[0])
}

// Validate runs first-committer-wins validation for the transaction
// against the current store state.
//
// Rules:
//   - Each read-set entry must still be at its recorded version;
//     blind writes (write without read) never conflict.
//   - Each CAS entry compares against the current version or value.
//   - Each JSON patch requires the document version to equal its base;
//     overlapping paths within the transaction were already rejected
//     at staging time, and patches on disjoint paths never conflict.
//   - Write skew is allowed and not detected.
//   - Any storage error propagates. It must never be coerced into
//     "absent" (version zero): doing so lets create-if-not-exists
//     succeed against an existing key.
func Validate(tx *Transaction, view StorageView) (*ValidationResult, error) {
	result := &ValidationResult{}

	tx.mu.Lock()
	reads := make([]readEntry, 0, len(tx.readSet))
	for _, r := range tx.readSet {
		reads = append(reads, r)
	}
	cas := append([]CASEntry(nil), tx.casSet...)
	patches := append([]JSONPatchEntry(nil), tx.patchSet...)
	tx.mu.Unlock()

	for _, r := range reads {
		current, exists, err := view.CurrentVersionOf(r.key)
		if err != nil {
			return nil, core.WrapError(core.CodeStorage, "read validation", err)
		}
		observed := uint64(0)
		if exists {
			observed = current
		}
		if observed != r.version {
			result.Conflicts = append(result.Conflicts, Conflict{
				Kind:            ReadWriteConflict,
				Key:             r.key,
				ExpectedVersion: r.version,
				CurrentVersion:  observed,
			})
		}
	}

	for _, c := range cas {
		conflict, err := validateCAS(c, view)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
		}
	}

	for _, p := range patches {
		current, exists, err := view.CurrentVersionOf(p.Key)
		if err != nil {
			return nil, core.WrapError(core.CodeStorage, "patch validation", err)
		}
		observed := uint64(0)
		if exists {
			observed = current
		}
		if observed != p.BaseVersion {
			result.Conflicts = append(result.Conflicts, Conflict{
				Kind:            JSONVersionConflict,
				Key:             p.Key,
				ExpectedVersion: p.BaseVersion,
				CurrentVersion:  observed,
			})
		}
	}

	return result, nil
}

func validateCAS(c CASEntry, view StorageView) (*Conflict, error) {
	switch c.Kind {
	case CASByVersion:
		current, exists, err := view.CurrentVersionOf(c.Key)
		if err != nil {
			return nil, core.WrapError(core.CodeStorage, "cas validation", err)
		}
		if c.ExpectAbsent {
			// Create-if-not-exists: a tombstoned key has a version but
			// no visible value, so check visibility, not chain presence.
			vv, err := view.Get(c.Key)
			if err != nil {
				return nil, core.WrapError(core.CodeStorage, "cas validation", err)
			}
			if vv != nil {
				return &Conflict{
					Kind:           CASConflict,
					Key:            c.Key,
					CurrentVersion: vv.Version.Uint64(),
				}, nil
			}
			return nil, nil
		}
		observed := uint64(0)
		if exists {
			observed = current
		}
		if observed != c.ExpectedVersion {
			return &Conflict{
				Kind:            CASConflict,
				Key:             c.Key,
				ExpectedVersion: c.ExpectedVersion,
				CurrentVersion:  observed,
			}, nil
		}
		return nil, nil

	case CASByValue:
		vv, err := view.Get(c.Key)
		if err != nil {
			return nil, core.WrapError(core.CodeStorage, "cas validation", err)
		}
		if c.ExpectAbsent {
			if vv != nil {
				return &Conflict{
					Kind:           CASConflict,
					Key:            c.Key,
					CurrentVersion: vv.Version.Uint64(),
				}, nil
			}
			return nil, nil
		}
		if vv == nil || !vv.Value.Equal(c.ExpectedValue) {
			conflict := &Conflict{Kind: CASConflict, Key: c.Key}
			if vv != nil {
				conflict.CurrentVersion = vv.Version.Uint64()
			}
			return conflict, nil
		}
		return nil, nil
	}
	return nil, core.Errorf(core.CodeInternal, "unknown CAS kind %d", c.Kind)
}
