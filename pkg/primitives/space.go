// pkg/primitives/space.go
package primitives

import (
	"time"

	"strata/pkg/core"
	"strata/pkg/txn"
)

// SpaceIndex registers named sub-scopes within a branch. Spaces are
// plain metadata entries under the Space tag; primitives may then
// scope their namespaces with a space name.
type SpaceIndex struct {
	session *Session
}

// NewSpaceIndex creates the space adapter over a session.
func NewSpaceIndex(session *Session) *SpaceIndex {
	return &SpaceIndex{session: session}
}

func (si *SpaceIndex) key(space string) (core.Key, error) {
	if err := core.ValidateUserKeyWithLimits(space, si.session.db.Limits()); err != nil {
		return core.Key{}, err
	}
	return core.NewStringKey(core.NamespaceForBranch(si.session.branch), core.TagSpace, space), nil
}

// Register records a space; registering an existing space is
// idempotent.
func (si *SpaceIndex) Register(space string) error {
	key, err := si.key(space)
	if err != nil {
		return err
	}
	existing, err := si.session.readVersioned(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return si.session.write(func(tx *txn.Transaction) error {
		return tx.Put(key, core.NewObject(map[string]core.Value{
			"registered_at": core.NewInt(time.Now().UnixMicro()),
		}), 0)
	})
}

// Exists reports whether a space is registered.
func (si *SpaceIndex) Exists(space string) (bool, error) {
	key, err := si.key(space)
	if err != nil {
		return false, err
	}
	vv, err := si.session.readVersioned(key)
	return vv != nil, err
}

// List returns registered spaces, sorted.
func (si *SpaceIndex) List() ([]string, error) {
	entries, err := si.session.scanOverlay(core.TagSpace, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, kv := range entries {
		out = append(out, string(kv.Key.UserKey))
	}
	return out, nil
}

// Delete removes a space registration.
func (si *SpaceIndex) Delete(space string) error {
	key, err := si.key(space)
	if err != nil {
		return err
	}
	existing, err := si.session.readVersioned(key)
	if err != nil {
		return err
	}
	if existing == nil {
		return core.Errorf(core.CodeNotFound, "space %q not found", space)
	}
	return si.session.write(func(tx *txn.Transaction) error {
		return tx.Delete(key)
	})
}
