// pkg/core/key.go
package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// ReservedPrefix is the system prefix user keys may not start with.
const ReservedPrefix = "_strata/"

// TypeTag distinguishes the primitive families sharing the store.
type TypeTag uint8

const (
	TagKV TypeTag = iota
	TagEvent
	TagState
	TagJson
	TagTrace
	TagVector
	TagVectorConfig
	TagSpace
)

// String returns the tag name used in logs and error messages
func (t TypeTag) String() string {
	switch t {
	case TagKV:
		return "kv"
	case TagEvent:
		return "event"
	case TagState:
		return "state"
	case TagJson:
		return "json"
	case TagTrace:
		return "trace"
	case TagVector:
		return "vector"
	case TagVectorConfig:
		return "vector_config"
	case TagSpace:
		return "space"
	default:
		return "unknown"
	}
}

// BranchID identifies an isolation scope. All entities are reachable
// only through their branch.
type BranchID string

// Namespace scopes a key to a branch and an optional space sub-scope.
type Namespace struct {
	Branch BranchID
	Space  string
}

// NamespaceForBranch builds a namespace with no space sub-scope.
func NamespaceForBranch(branch BranchID) Namespace {
	return Namespace{Branch: branch}
}

// Key is the structured key (namespace, typetag, user key bytes) every
// primitive stores under.
type Key struct {
	Namespace Namespace
	Tag       TypeTag
	UserKey   []byte
}

// NewKey builds a key from raw user key bytes.
func NewKey(ns Namespace, tag TypeTag, userKey []byte) Key {
	copied := make([]byte, len(userKey))
	copy(copied, userKey)
	return Key{Namespace: ns, Tag: tag, UserKey: copied}
}

// NewStringKey builds a key from a UTF-8 user key (KV, State, Json, Vector).
func NewStringKey(ns Namespace, tag TypeTag, userKey string) Key {
	return Key{Namespace: ns, Tag: tag, UserKey: []byte(userKey)}
}

// NewSequenceKey builds an event key from a big-endian sequence number.
func NewSequenceKey(ns Namespace, sequence uint64) Key {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sequence)
	return Key{Namespace: ns, Tag: TagEvent, UserKey: buf}
}

// Sequence decodes the big-endian sequence of an event key.
func (k Key) Sequence() uint64 {
	if k.Tag != TagEvent || len(k.UserKey) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k.UserKey)
}

// Equal reports whether two keys identify the same entity.
func (k Key) Equal(other Key) bool {
	return k.Namespace == other.Namespace &&
		k.Tag == other.Tag &&
		bytes.Equal(k.UserKey, other.UserKey)
}

// Encode renders the key as a single byte string usable as a map key
// and for ordered iteration. Layout: branch \x00 space \x00 tag userkey.
// Ordering within one (branch, space, tag) follows user key bytes, which
// gives big-endian event keys their numeric order.
func (k Key) Encode() string {
	var b strings.Builder
	b.Grow(len(k.Namespace.Branch) + len(k.Namespace.Space) + len(k.UserKey) + 3)
	b.WriteString(string(k.Namespace.Branch))
	b.WriteByte(0)
	b.WriteString(k.Namespace.Space)
	b.WriteByte(0)
	b.WriteByte(byte(k.Tag))
	b.Write(k.UserKey)
	return b.String()
}

// String renders the key for logs and errors.
func (k Key) String() string {
	if k.Tag == TagEvent && len(k.UserKey) == 8 {
		return fmt.Sprintf("%s/%s/%d", k.Namespace.Branch, k.Tag, k.Sequence())
	}
	return fmt.Sprintf("%s/%s/%s", k.Namespace.Branch, k.Tag, string(k.UserKey))
}

// ValidateUserKey validates a user-facing key string using default limits.
//
// The rules are frozen: non-empty, no NUL bytes, no reserved prefix,
// length within limits.
func ValidateUserKey(key string) error {
	return ValidateUserKeyWithLimits(key, DefaultLimits())
}

// ValidateUserKeyWithLimits validates a user-facing key string against
// the given limits.
func ValidateUserKeyWithLimits(key string, limits Limits) error {
	if key == "" {
		return NewError(CodeInvalidKey, "key cannot be empty")
	}
	if strings.ContainsRune(key, 0) {
		return NewError(CodeInvalidKey, "key cannot contain NUL bytes")
	}
	if strings.HasPrefix(key, ReservedPrefix) {
		return Errorf(CodeInvalidKey, "key cannot use reserved prefix %q", ReservedPrefix)
	}
	if len(key) > limits.MaxKeyBytes {
		return Errorf(CodeInvalidKey, "key too long: %d bytes exceeds maximum %d", len(key), limits.MaxKeyBytes)
	}
	return nil
}
