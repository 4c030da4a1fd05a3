// pkg/primitives/kv.go
package primitives

import (
	"time"

	"strata/pkg/core"
	"strata/pkg/txn"
)

// KV is the key/value adapter: versioned puts and gets, history,
// atomic increments and compare-and-swap, plus batched variants.
type KV struct {
	session *Session
}

// NewKV creates the KV adapter over a session.
func NewKV(session *Session) *KV {
	return &KV{session: session}
}

func (k *KV) key(userKey string) (core.Key, error) {
	if err := core.ValidateUserKeyWithLimits(userKey, k.session.db.Limits()); err != nil {
		return core.Key{}, err
	}
	return core.NewStringKey(core.NamespaceForBranch(k.session.branch), core.TagKV, userKey), nil
}

// Put writes a value, returning nothing; the committed version is
// observable via Get. ttl of zero means no expiry.
func (k *KV) Put(userKey string, value core.Value, ttl time.Duration) error {
	key, err := k.key(userKey)
	if err != nil {
		return err
	}
	return k.session.write(func(tx *txn.Transaction) error {
		return tx.Put(key, value, ttl)
	})
}

// Get returns the current value, or nil when absent.
func (k *KV) Get(userKey string) (*core.VersionedValue, error) {
	key, err := k.key(userKey)
	if err != nil {
		return nil, err
	}
	return k.session.readVersioned(key)
}

// GetAt returns the newest value visible at maxVersion. Inside a
// transaction, staged effects take precedence over history.
func (k *KV) GetAt(userKey string, maxVersion uint64) (*core.VersionedValue, error) {
	key, err := k.key(userKey)
	if err != nil {
		return nil, err
	}
	if tx := k.session.activeTx(); tx != nil {
		if value, deleted, staged := tx.StagedWrite(key); staged {
			if deleted {
				return nil, nil
			}
			return &core.VersionedValue{Value: *value}, nil
		}
	}
	return k.session.db.Store().GetVersioned(key, maxVersion)
}

// Delete removes a key, returning whether it existed.
func (k *KV) Delete(userKey string) (bool, error) {
	key, err := k.key(userKey)
	if err != nil {
		return false, err
	}
	existing, err := k.session.readVersioned(key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	err = k.session.write(func(tx *txn.Transaction) error {
		return tx.Delete(key)
	})
	return err == nil, err
}

// Exists reports whether the key has a visible value.
func (k *KV) Exists(userKey string) (bool, error) {
	vv, err := k.Get(userKey)
	return vv != nil, err
}

// History returns versions newest-first; beforeVersion of zero starts
// from the newest. Staged effects inside a transaction are consulted
// first.
func (k *KV) History(userKey string, limit int, beforeVersion uint64) ([]core.VersionedValue, error) {
	key, err := k.key(userKey)
	if err != nil {
		return nil, err
	}
	var out []core.VersionedValue
	if tx := k.session.activeTx(); tx != nil && beforeVersion == 0 {
		if value, deleted, staged := tx.StagedWrite(key); staged && !deleted {
			out = append(out, core.VersionedValue{Value: *value})
		}
	}
	committed, err := k.session.db.Store().GetHistory(key, limit, beforeVersion)
	if err != nil {
		return nil, err
	}
	out = append(out, committed...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Incr atomically adds delta to an Int value, creating it at delta
// when absent. Returns the new value.
func (k *KV) Incr(userKey string, delta int64) (int64, error) {
	key, err := k.key(userKey)
	if err != nil {
		return 0, err
	}
	var result int64
	err = k.session.write(func(tx *txn.Transaction) error {
		current, err := tx.Get(key)
		if err != nil {
			return err
		}
		base := int64(0)
		if current != nil {
			if current.Value.Type() != core.TypeInt {
				return core.Errorf(core.CodeWrongType,
					"incr requires an Int value, found %s", current.Value.Type())
			}
			base = current.Value.Int()
		}
		result = base + delta
		return tx.Put(key, core.NewInt(result), 0)
	})
	return result, err
}

// CASVersion performs compare-and-swap against an expected version.
// expected nil means "create only if absent". A version mismatch is a
// discriminated negative result (nil version, nil error); every other
// failure propagates as an error.
func (k *KV) CASVersion(userKey string, expected *uint64, newValue core.Value) (*uint64, error) {
	key, err := k.key(userKey)
	if err != nil {
		return nil, err
	}
	entry := txn.CASEntry{Key: key, Kind: txn.CASByVersion, NewValue: newValue}
	if expected == nil {
		entry.ExpectAbsent = true
	} else {
		entry.ExpectedVersion = *expected
	}
	return k.casResult(entry)
}

// CASValue performs compare-and-swap against an expected value,
// type-strict. expected nil means "create only if absent".
func (k *KV) CASValue(userKey string, expected *core.Value, newValue core.Value) (*uint64, error) {
	key, err := k.key(userKey)
	if err != nil {
		return nil, err
	}
	entry := txn.CASEntry{Key: key, Kind: txn.CASByValue, NewValue: newValue}
	if expected == nil {
		entry.ExpectAbsent = true
	} else {
		entry.ExpectedValue = *expected
	}
	return k.casResult(entry)
}

// casResult stages the CAS and translates a commit-time CAS conflict
// into the discriminated negative result.
func (k *KV) casResult(entry txn.CASEntry) (*uint64, error) {
	if tx := k.session.activeTx(); tx != nil {
		// Inside an explicit transaction the conflict surfaces at
		// commit; the caller observes it there.
		if err := tx.CAS(entry); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tx := k.session.db.Begin(k.session.branch)
	if err := tx.CAS(entry); err != nil {
		k.session.db.Rollback(tx)
		return nil, err
	}
	if err := k.session.db.Commit(tx); err != nil {
		if core.IsCode(err, core.CodeConflict) {
			return nil, nil
		}
		return nil, err
	}
	vv, err := k.session.db.Store().Get(entry.Key)
	if err != nil {
		return nil, err
	}
	if vv == nil {
		return nil, core.NewError(core.CodeInternal, "cas committed but value missing")
	}
	version := vv.Version.Uint64()
	return &version, nil
}

// List enumerates keys with the given prefix, ordered, including the
// active transaction's staged writes. Listing writes nothing to the
// WAL.
func (k *KV) List(prefix string) ([]string, error) {
	entries, err := k.session.scanOverlay(core.TagKV, []byte(prefix))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, kv := range entries {
		keys = append(keys, string(kv.Key.UserKey))
	}
	return keys, nil
}

// MGet returns values for several keys; absent keys yield nils.
func (k *KV) MGet(userKeys []string) ([]*core.VersionedValue, error) {
	out := make([]*core.VersionedValue, len(userKeys))
	for i, userKey := range userKeys {
		vv, err := k.Get(userKey)
		if err != nil {
			return nil, err
		}
		out[i] = vv
	}
	return out, nil
}

// MPut writes several pairs atomically (one commit version).
func (k *KV) MPut(pairs map[string]core.Value, ttl time.Duration) error {
	keys := make([]core.Key, 0, len(pairs))
	values := make([]core.Value, 0, len(pairs))
	for userKey, value := range pairs {
		key, err := k.key(userKey)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		values = append(values, value)
	}
	return k.session.write(func(tx *txn.Transaction) error {
		for i, key := range keys {
			if err := tx.Put(key, values[i], ttl); err != nil {
				return err
			}
		}
		return nil
	})
}

// MDelete removes several keys atomically; returns how many existed.
func (k *KV) MDelete(userKeys []string) (int, error) {
	existing := 0
	keys := make([]core.Key, 0, len(userKeys))
	for _, userKey := range userKeys {
		key, err := k.key(userKey)
		if err != nil {
			return 0, err
		}
		vv, err := k.session.readVersioned(key)
		if err != nil {
			return 0, err
		}
		if vv != nil {
			existing++
		}
		keys = append(keys, key)
	}
	err := k.session.write(func(tx *txn.Transaction) error {
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return existing, nil
}

// MExists reports existence for several keys.
func (k *KV) MExists(userKeys []string) ([]bool, error) {
	out := make([]bool, len(userKeys))
	for i, userKey := range userKeys {
		exists, err := k.Exists(userKey)
		if err != nil {
			return nil, err
		}
		out[i] = exists
	}
	return out, nil
}
