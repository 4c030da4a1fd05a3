// pkg/primitives/json.go
package primitives

import (
	"sort"
	"strings"

	"strata/pkg/core"
	"strata/pkg/txn"
)

// JSON is the document adapter: regional set/get/delete plus RFC 7396
// merge at paths. Two writes to the same document conflict only when
// their paths overlap.
type JSON struct {
	session *Session
}

// NewJSON creates the JSON adapter over a session.
func NewJSON(session *Session) *JSON {
	return &JSON{session: session}
}

func (j *JSON) key(doc string) (core.Key, error) {
	if err := core.ValidateUserKeyWithLimits(doc, j.session.db.Limits()); err != nil {
		return core.Key{}, err
	}
	return core.NewStringKey(core.NamespaceForBranch(j.session.branch), core.TagJson, doc), nil
}

// baseVersion records the document version the patch was staged
// against, for commit-time validation.
func (j *JSON) baseVersion(key core.Key) (uint64, error) {
	vv, err := j.session.db.Store().Get(key)
	if err != nil {
		return 0, err
	}
	if vv == nil {
		return 0, nil
	}
	return vv.Version.Uint64(), nil
}

func (j *JSON) patch(doc string, path string, op txn.JSONPatchOp, value core.Value) error {
	key, err := j.key(doc)
	if err != nil {
		return err
	}
	parsed, err := core.ParseJSONPath(path)
	if err != nil {
		return err
	}
	base, err := j.baseVersion(key)
	if err != nil {
		return err
	}
	entry := txn.JSONPatchEntry{
		Key:         key,
		Path:        parsed,
		Op:          op,
		Value:       value,
		BaseVersion: base,
	}
	return j.session.write(func(tx *txn.Transaction) error {
		return tx.Patch(entry)
	})
}

// Set writes the value at a path, creating intermediate objects.
func (j *JSON) Set(doc, path string, value core.Value) error {
	return j.patch(doc, path, txn.JSONPatchSet, value)
}

// Delete removes the value at a path.
func (j *JSON) Delete(doc, path string) error {
	return j.patch(doc, path, txn.JSONPatchDelete, core.NewNull())
}

// Merge applies an RFC 7396 merge patch at a path.
func (j *JSON) Merge(doc, path string, patch core.Value) error {
	return j.patch(doc, path, txn.JSONPatchMerge, patch)
}

// Get returns the value at a path, or nil when the document or path is
// absent. Inside a transaction, staged patches are visible.
func (j *JSON) Get(doc, path string) (*core.Value, error) {
	key, err := j.key(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := core.ParseJSONPath(path)
	if err != nil {
		return nil, err
	}

	current := core.NewNull()
	vv, err := j.session.readVersioned(key)
	if err != nil {
		return nil, err
	}
	if vv != nil {
		current = vv.Value
	}

	if tx := j.session.activeTx(); tx != nil {
		for _, p := range tx.StagedPatches(key) {
			switch p.Op {
			case txn.JSONPatchSet:
				current = core.SetAtPath(current, p.Path, p.Value)
			case txn.JSONPatchDelete:
				current, _ = core.DeleteAtPath(current, p.Path)
			case txn.JSONPatchMerge:
				current = core.MergeAtPath(current, p.Path, p.Value)
			}
		}
	}

	result, ok := core.GetAtPath(current, parsed)
	if !ok {
		return nil, nil
	}
	return &result, nil
}

// List enumerates document names with the given prefix, including
// documents only touched by the active transaction. Listing writes
// nothing to the WAL.
func (j *JSON) List(prefix string) ([]string, error) {
	entries, err := j.session.scanOverlay(core.TagJson, []byte(prefix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	seen := make(map[string]struct{})
	for _, kv := range entries {
		name := string(kv.Key.UserKey)
		names = append(names, name)
		seen[name] = struct{}{}
	}

	if tx := j.session.activeTx(); tx != nil {
		ns := core.NamespaceForBranch(j.session.branch)
		for _, p := range tx.AllStagedPatches() {
			if p.Key.Namespace != ns || p.Key.Tag != core.TagJson {
				continue
			}
			name := string(p.Key.UserKey)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
