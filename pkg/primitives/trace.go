// pkg/primitives/trace.go
package primitives

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"strata/pkg/core"
	"strata/pkg/txn"
)

// Span is one node of a hierarchical trace.
type Span struct {
	ID            uuid.UUID
	Parent        *uuid.UUID
	Name          string
	Attributes    core.Value
	StartedMicros uint64
	Version       core.Version
}

// Trace is the hierarchical trace adapter. Spans form a forest; a
// child's parent must exist when the child is recorded.
type Trace struct {
	session *Session
}

// NewTrace creates the trace adapter over a session.
func NewTrace(session *Session) *Trace {
	return &Trace{session: session}
}

func (t *Trace) key(id uuid.UUID) core.Key {
	return core.NewKey(core.NamespaceForBranch(t.session.branch), core.TagTrace, id[:])
}

func spanToValue(s *Span) core.Value {
	fields := map[string]core.Value{
		"name":       core.NewString(s.Name),
		"attributes": s.Attributes,
		"started_at": core.NewInt(int64(s.StartedMicros)),
	}
	if s.Parent != nil {
		fields["parent"] = core.NewString(s.Parent.String())
	}
	return core.NewObject(fields)
}

func spanFromValue(id uuid.UUID, vv *core.VersionedValue) (*Span, error) {
	obj := vv.Value
	if obj.Type() != core.TypeObject {
		return nil, core.Errorf(core.CodeCorruption, "span %s is not an object", id)
	}
	s := &Span{ID: id, Version: vv.Version}
	if n, ok := obj.Field("name"); ok {
		s.Name = n.Str()
	}
	if a, ok := obj.Field("attributes"); ok {
		s.Attributes = a
	}
	if at, ok := obj.Field("started_at"); ok {
		s.StartedMicros = uint64(at.Int())
	}
	if p, ok := obj.Field("parent"); ok {
		parent, err := uuid.Parse(p.Str())
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "span parent id", err)
		}
		s.Parent = &parent
	}
	return s, nil
}

// StartSpan records a new span. parent nil starts a root span; a
// non-nil parent must already exist.
func (t *Trace) StartSpan(parent *uuid.UUID, name string, attributes core.Value) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, core.NewError(core.CodeInvalidInput, "span name cannot be empty")
	}

	id := uuid.New()
	span := &Span{
		ID:            id,
		Parent:        parent,
		Name:          name,
		Attributes:    attributes,
		StartedMicros: uint64(time.Now().UnixMicro()),
	}

	err := t.session.write(func(tx *txn.Transaction) error {
		if parent != nil {
			parentVV, err := tx.Get(t.key(*parent))
			if err != nil {
				return err
			}
			if parentVV == nil {
				return core.Errorf(core.CodeNotFound, "parent span %s not found", parent)
			}
		}
		return tx.Put(t.key(id), spanToValue(span), 0)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// GetSpan returns one span, or nil when absent.
func (t *Trace) GetSpan(id uuid.UUID) (*Span, error) {
	vv, err := t.session.readVersioned(t.key(id))
	if err != nil || vv == nil {
		return nil, err
	}
	return spanFromValue(id, vv)
}

// Tree returns the span subtree rooted at root, pre-order. Siblings
// order by span id so traversal is deterministic.
func (t *Trace) Tree(root uuid.UUID) ([]*Span, error) {
	spans, err := t.allSpans()
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*Span, len(spans))
	children := make(map[uuid.UUID][]*Span)
	for _, s := range spans {
		byID[s.ID] = s
		if s.Parent != nil {
			children[*s.Parent] = append(children[*s.Parent], s)
		}
	}
	if _, ok := byID[root]; !ok {
		return nil, core.Errorf(core.CodeNotFound, "span %s not found", root)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			return siblings[i].ID.String() < siblings[j].ID.String()
		})
	}

	var out []*Span
	var visit func(*Span)
	visit = func(s *Span) {
		out = append(out, s)
		for _, child := range children[s.ID] {
			visit(child)
		}
	}
	visit(byID[root])
	return out, nil
}

func (t *Trace) allSpans() ([]*Span, error) {
	entries, err := t.session.scanOverlay(core.TagTrace, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*Span, 0, len(entries))
	for _, kv := range entries {
		if len(kv.Key.UserKey) != 16 {
			continue
		}
		var id uuid.UUID
		copy(id[:], kv.Key.UserKey)
		s, err := spanFromValue(id, &kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
