// pkg/primitives/event.go
package primitives

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"strata/pkg/core"
	"strata/pkg/txn"
)

// Event is one record of the append-only per-branch log. Sequences are
// contiguous from zero; the hash chain links each event to its
// predecessor.
type Event struct {
	Sequence        uint64
	EventType       string
	Payload         core.Value
	TimestampMicros uint64
	PrevHash        [32]byte
	Hash            [32]byte
	Version         core.Version
}

// ChainVerification reports the integrity of an event chain.
type ChainVerification struct {
	IsValid      bool
	Length       uint64
	FirstInvalid *uint64
	Error        string
}

// EventLog is the append-only event adapter.
type EventLog struct {
	session *Session
}

// NewEventLog creates the event adapter over a session.
func NewEventLog(session *Session) *EventLog {
	return &EventLog{session: session}
}

// eventVersion is the canonical version extractor shared by every read
// path; events always carry Sequence-kind versions.
func eventVersion(vv *core.VersionedValue) core.Version {
	return vv.Version
}

func eventHash(sequence uint64, eventType string, payload core.Value, prevHash [32]byte) ([32]byte, error) {
	raw, err := payload.MarshalJSON()
	if err != nil {
		return [32]byte{}, core.WrapError(core.CodeSerialization, "hash event payload", err)
	}
	h := sha256.New()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	h.Write(seq[:])
	h.Write([]byte(eventType))
	h.Write(raw)
	h.Write(prevHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func eventToValue(e *Event) core.Value {
	return core.NewObject(map[string]core.Value{
		"type":      core.NewString(e.EventType),
		"payload":   e.Payload,
		"timestamp": core.NewInt(int64(e.TimestampMicros)),
		"prev_hash": core.NewString(hex.EncodeToString(e.PrevHash[:])),
		"hash":      core.NewString(hex.EncodeToString(e.Hash[:])),
	})
}

func eventFromValue(sequence uint64, vv *core.VersionedValue) (*Event, error) {
	obj := vv.Value
	if obj.Type() != core.TypeObject {
		return nil, core.Errorf(core.CodeCorruption, "event %d is not an object", sequence)
	}
	e := &Event{Sequence: sequence, Version: eventVersion(vv)}
	if t, ok := obj.Field("type"); ok {
		e.EventType = t.Str()
	}
	if p, ok := obj.Field("payload"); ok {
		e.Payload = p
	}
	if ts, ok := obj.Field("timestamp"); ok {
		e.TimestampMicros = uint64(ts.Int())
	}
	if ph, ok := obj.Field("prev_hash"); ok {
		raw, err := hex.DecodeString(ph.Str())
		if err == nil && len(raw) == 32 {
			copy(e.PrevHash[:], raw)
		}
	}
	if hh, ok := obj.Field("hash"); ok {
		raw, err := hex.DecodeString(hh.Str())
		if err == nil && len(raw) == 32 {
			copy(e.Hash[:], raw)
		}
	}
	return e, nil
}

// Len returns the number of events in the branch's log, including the
// active transaction's staged appends.
func (l *EventLog) Len() (uint64, error) {
	entries, err := l.session.scanOverlay(core.TagEvent, nil)
	if err != nil {
		return 0, err
	}
	return uint64(len(entries)), nil
}

// Append adds an event with the next contiguous sequence. Returns the
// assigned sequence.
func (l *EventLog) Append(eventType string, payload core.Value) (uint64, error) {
	if eventType == "" {
		return 0, core.NewError(core.CodeInvalidInput, "event type cannot be empty")
	}

	var sequence uint64
	err := l.session.write(func(tx *txn.Transaction) error {
		entries, err := l.session.scanOverlay(core.TagEvent, nil)
		if err != nil {
			return err
		}
		sequence = uint64(len(entries))

		var prevHash [32]byte
		if sequence > 0 {
			prev := entries[len(entries)-1]
			prevEvent, err := eventFromValue(prev.Key.Sequence(), &prev.Value)
			if err != nil {
				return err
			}
			prevHash = prevEvent.Hash
		}

		e := &Event{
			Sequence:        sequence,
			EventType:       eventType,
			Payload:         payload,
			TimestampMicros: uint64(time.Now().UnixMicro()),
			PrevHash:        prevHash,
		}
		hash, err := eventHash(sequence, eventType, payload, prevHash)
		if err != nil {
			return err
		}
		e.Hash = hash

		key := core.NewSequenceKey(core.NamespaceForBranch(l.session.branch), sequence)
		// Read the slot before writing so a racing append to the same
		// sequence fails validation instead of silently overwriting.
		if _, err := tx.Get(key); err != nil {
			return err
		}
		return tx.PutWithKind(key, eventToValue(e), 0, core.KindSequence)
	})
	return sequence, err
}

// Read returns the event at a sequence, or nil when out of range.
func (l *EventLog) Read(sequence uint64) (*Event, error) {
	key := core.NewSequenceKey(core.NamespaceForBranch(l.session.branch), sequence)
	vv, err := l.session.readVersioned(key)
	if err != nil || vv == nil {
		return nil, err
	}
	return eventFromValue(sequence, vv)
}

// Range returns events with start <= sequence < end, in order.
func (l *EventLog) Range(start, end uint64) ([]*Event, error) {
	entries, err := l.session.scanOverlay(core.TagEvent, nil)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, kv := range entries {
		seq := kv.Key.Sequence()
		if seq < start || seq >= end {
			continue
		}
		e, err := eventFromValue(seq, &kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadByType returns events of one type, in sequence order. Versions
// come from the same canonical extractor as single reads.
func (l *EventLog) ReadByType(eventType string) ([]*Event, error) {
	entries, err := l.session.scanOverlay(core.TagEvent, nil)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, kv := range entries {
		e, err := eventFromValue(kv.Key.Sequence(), &kv.Value)
		if err != nil {
			return nil, err
		}
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// VerifyChain checks the hash chain over the whole log.
func (l *EventLog) VerifyChain() (*ChainVerification, error) {
	entries, err := l.session.scanOverlay(core.TagEvent, nil)
	if err != nil {
		return nil, err
	}

	var prevHash [32]byte
	for i, kv := range entries {
		seq := kv.Key.Sequence()
		e, err := eventFromValue(seq, &kv.Value)
		if err != nil {
			return nil, err
		}
		invalid := func(msg string) *ChainVerification {
			s := seq
			return &ChainVerification{
				IsValid:      false,
				Length:       uint64(len(entries)),
				FirstInvalid: &s,
				Error:        msg,
			}
		}
		if seq != uint64(i) {
			return invalid("sequence gap"), nil
		}
		if e.PrevHash != prevHash {
			return invalid("previous hash mismatch"), nil
		}
		expected, err := eventHash(seq, e.EventType, e.Payload, e.PrevHash)
		if err != nil {
			return nil, err
		}
		if e.Hash != expected {
			return invalid("hash mismatch"), nil
		}
		prevHash = e.Hash
	}
	return &ChainVerification{IsValid: true, Length: uint64(len(entries))}, nil
}
