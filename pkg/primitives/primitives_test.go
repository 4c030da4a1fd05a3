// pkg/primitives/primitives_test.go
package primitives

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"strata/pkg/core"
	"strata/pkg/durability"
	"strata/pkg/engine"
)

func openSession(t *testing.T) (*engine.Database, *Session) {
	t.Helper()
	engine.ClearRecoveryParticipants()
	db, err := engine.Open(t.TempDir(), engine.Options{Mode: durability.Strict, ModeSet: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.CreateBranch("main"))
	session, err := NewSession(db, "main")
	require.NoError(t, err)
	return db, session
}

func TestKVPutGetDelete(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	require.NoError(t, kv.Put("greeting", core.NewString("hello"), 0))

	vv, err := kv.Get("greeting")
	require.NoError(t, err)
	require.NotNil(t, vv)
	require.True(t, vv.Value.Equal(core.NewString("hello")))

	exists, err := kv.Exists("greeting")
	require.NoError(t, err)
	require.True(t, exists)

	deleted, err := kv.Delete("greeting")
	require.NoError(t, err)
	require.True(t, deleted)

	vv, err = kv.Get("greeting")
	require.NoError(t, err)
	require.Nil(t, vv)

	deleted, err = kv.Delete("greeting")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestKVKeyValidation(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	err := kv.Put("", core.NewInt(1), 0)
	require.True(t, core.IsCode(err, core.CodeInvalidKey))
	err = kv.Put("_strata/internal", core.NewInt(1), 0)
	require.True(t, core.IsCode(err, core.CodeInvalidKey))
}

func TestKVIncr(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	n, err := kv.Incr("counter", 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	n, err = kv.Incr("counter", -2)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.NoError(t, kv.Put("text", core.NewString("nope"), 0))
	_, err = kv.Incr("text", 1)
	require.True(t, core.IsCode(err, core.CodeWrongType),
		"incr on a non-Int must be WrongType, got %v", err)
}

func TestKVCASVersion(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	// Create-if-absent succeeds on a fresh key.
	version, err := kv.CASVersion("cell", nil, core.NewString("v1"))
	require.NoError(t, err)
	require.NotNil(t, version)

	// Create-if-absent against an existing key is the negative result.
	got, err := kv.CASVersion("cell", nil, core.NewString("v2"))
	require.NoError(t, err)
	require.Nil(t, got)

	// Matching expected version swaps.
	got, err = kv.CASVersion("cell", version, core.NewString("v2"))
	require.NoError(t, err)
	require.NotNil(t, got)

	// Stale expected version is the negative result.
	got, err = kv.CASVersion("cell", version, core.NewString("v3"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestKVCASValueTypeStrict(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	require.NoError(t, kv.Put("n", core.NewInt(1), 0))

	expected := core.NewFloat(1.0)
	got, err := kv.CASValue("n", &expected, core.NewInt(2))
	require.NoError(t, err)
	require.Nil(t, got, "Int(1) must not match Float(1.0)")

	intExpected := core.NewInt(1)
	got, err = kv.CASValue("n", &intExpected, core.NewInt(2))
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestKVBatchedOperations(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	require.NoError(t, kv.MPut(map[string]core.Value{
		"a": core.NewInt(1),
		"b": core.NewInt(2),
		"c": core.NewInt(3),
	}, 0))

	values, err := kv.MGet([]string{"a", "b", "missing"})
	require.NoError(t, err)
	require.NotNil(t, values[0])
	require.NotNil(t, values[1])
	require.Nil(t, values[2])

	exists, err := kv.MExists([]string{"a", "missing"})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, exists)

	n, err := kv.MDelete([]string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestReadYourWritesThroughSession(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	require.NoError(t, kv.Put("k", core.NewString("v"), 0))

	require.NoError(t, session.Begin())
	vv, err := kv.Get("k")
	require.NoError(t, err)
	require.NotNil(t, vv, "pre-transaction data must be readable inside the transaction")

	require.NoError(t, kv.Put("k2", core.NewString("v2"), 0))
	vv, err = kv.Get("k2")
	require.NoError(t, err)
	require.NotNil(t, vv, "staged writes must be readable inside the transaction")

	require.NoError(t, session.Rollback())

	vv, err = kv.Get("k2")
	require.NoError(t, err)
	require.Nil(t, vv, "rolled-back writes must vanish")
	vv, err = kv.Get("k")
	require.NoError(t, err)
	require.NotNil(t, vv)
}

func TestListSeesStagedWrites(t *testing.T) {
	db, session := openSession(t)
	kv := NewKV(session)

	require.NoError(t, kv.Put("user:1", core.NewInt(1), 0))

	require.NoError(t, session.Begin())
	require.NoError(t, kv.Put("user:2", core.NewInt(2), 0))

	before, err := db.WALSize()
	require.NoError(t, err)

	keys, err := kv.List("user:")
	require.NoError(t, err)
	require.Equal(t, []string{"user:1", "user:2"}, keys,
		"listing must see uncommitted in-transaction writes")

	after, err := db.WALSize()
	require.NoError(t, err)
	require.Equal(t, before, after, "listing must write zero WAL bytes")

	require.NoError(t, session.Rollback())
	keys, err = kv.List("user:")
	require.NoError(t, err)
	require.Equal(t, []string{"user:1"}, keys)
}

func TestBranchMutationInsideTransactionRejected(t *testing.T) {
	db, session := openSession(t)

	require.NoError(t, session.Begin())
	err := session.CreateBranch("side")
	require.True(t, core.IsCode(err, core.CodeInvalidInput),
		"branch create inside a transaction must be InvalidInput, got %v", err)
	require.NoError(t, session.Rollback())

	require.False(t, db.BranchExists("side"),
		"the rejected branch must not exist after rollback")

	// Outside a transaction it works.
	require.NoError(t, session.CreateBranch("side"))
	require.True(t, db.BranchExists("side"))
}

func TestEventAppendReadAndLen(t *testing.T) {
	_, session := openSession(t)
	log := NewEventLog(session)

	seq, err := log.Append("user.created", core.NewObject(map[string]core.Value{"id": core.NewInt(1)}))
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)

	seq, err = log.Append("user.deleted", core.NewInt(2))
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	n, err := log.Len()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	e, err := log.Read(0)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "user.created", e.EventType)
	require.Equal(t, core.KindSequence, e.Version.Kind)

	missing, err := log.Read(99)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestEventRangeAndByType(t *testing.T) {
	_, session := openSession(t)
	log := NewEventLog(session)

	for i := 0; i < 6; i++ {
		kind := "even"
		if i%2 == 1 {
			kind = "odd"
		}
		_, err := log.Append(kind, core.NewInt(int64(i)))
		require.NoError(t, err)
	}

	ranged, err := log.Range(2, 5)
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	require.EqualValues(t, 2, ranged[0].Sequence)

	odds, err := log.ReadByType("odd")
	require.NoError(t, err)
	require.Len(t, odds, 3)
	for _, e := range odds {
		require.Equal(t, "odd", e.EventType)
		// Version extraction matches the single-read path.
		single, err := log.Read(e.Sequence)
		require.NoError(t, err)
		require.Equal(t, single.Version, e.Version)
	}
}

func TestEventChainVerification(t *testing.T) {
	_, session := openSession(t)
	log := NewEventLog(session)

	for i := 0; i < 5; i++ {
		_, err := log.Append("tick", core.NewInt(int64(i)))
		require.NoError(t, err)
	}
	verification, err := log.VerifyChain()
	require.NoError(t, err)
	require.True(t, verification.IsValid)
	require.EqualValues(t, 5, verification.Length)
}

func TestStateInitReadCAS(t *testing.T) {
	_, session := openSession(t)
	state := NewState(session)

	created, err := state.Init("cell", core.NewString("initial"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = state.Init("cell", core.NewString("other"))
	require.NoError(t, err)
	require.False(t, created, "init on an existing cell must report false")

	vv, err := state.Read("cell")
	require.NoError(t, err)
	require.NotNil(t, vv)
	require.Equal(t, core.KindCounter, vv.Version.Kind)

	version := vv.Version.Uint64()
	newVersion, err := state.CAS("cell", &version, core.NewString("updated"))
	require.NoError(t, err)
	require.NotNil(t, newVersion)

	// Stale version: discriminated negative result, not an error.
	stale, err := state.CAS("cell", &version, core.NewString("again"))
	require.NoError(t, err)
	require.Nil(t, stale)

	// CAS with nil expected succeeds only when absent.
	got, err := state.CAS("cell", nil, core.NewString("fresh"))
	require.NoError(t, err)
	require.Nil(t, got)
	got, err = state.CAS("fresh-cell", nil, core.NewString("fresh"))
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestStateTransition(t *testing.T) {
	_, session := openSession(t)
	state := NewState(session)

	_, err := state.Init("phase", core.NewString("pending"))
	require.NoError(t, err)

	version, err := state.Transition("phase", core.NewString("pending"), core.NewString("running"))
	require.NoError(t, err)
	require.NotNil(t, version)

	// Wrong expected value: negative result.
	version, err = state.Transition("phase", core.NewString("pending"), core.NewString("done"))
	require.NoError(t, err)
	require.Nil(t, version)
}

func TestTraceHierarchy(t *testing.T) {
	_, session := openSession(t)
	trace := NewTrace(session)

	root, err := trace.StartSpan(nil, "request", core.NewNull())
	require.NoError(t, err)
	child1, err := trace.StartSpan(&root, "parse", core.NewNull())
	require.NoError(t, err)
	_, err = trace.StartSpan(&child1, "tokenize", core.NewNull())
	require.NoError(t, err)
	_, err = trace.StartSpan(&root, "execute", core.NewNull())
	require.NoError(t, err)

	tree, err := trace.Tree(root)
	require.NoError(t, err)
	require.Len(t, tree, 4)
	require.Equal(t, root, tree[0].ID, "traversal is pre-order from the root")

	// A parent that does not exist is rejected.
	ghost := root
	ghost[0] ^= 0xff
	_, err = trace.StartSpan(&ghost, "orphan", core.NewNull())
	require.True(t, core.IsCode(err, core.CodeNotFound))
}

func TestJSONSetGetMergeDelete(t *testing.T) {
	_, session := openSession(t)
	js := NewJSON(session)

	require.NoError(t, js.Set("profile", "user.name", core.NewString("Ada")))
	require.NoError(t, js.Set("profile", "user.age", core.NewInt(36)))

	name, err := js.Get("profile", "user.name")
	require.NoError(t, err)
	require.NotNil(t, name)
	require.True(t, name.Equal(core.NewString("Ada")))

	patch := core.NewObject(map[string]core.Value{
		"age":  core.NewNull(),
		"city": core.NewString("London"),
	})
	require.NoError(t, js.Merge("profile", "user", patch))

	age, err := js.Get("profile", "user.age")
	require.NoError(t, err)
	require.Nil(t, age, "merge null must delete the member")
	city, err := js.Get("profile", "user.city")
	require.NoError(t, err)
	require.NotNil(t, city)

	require.NoError(t, js.Delete("profile", "user"))
	user, err := js.Get("profile", "user")
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestJSONOverlappingPathsConflictInTransaction(t *testing.T) {
	_, session := openSession(t)
	js := NewJSON(session)

	require.NoError(t, session.Begin())
	require.NoError(t, js.Set("doc", "a.b", core.NewInt(1)))
	// Disjoint sibling paths commit together.
	require.NoError(t, js.Set("doc", "a.c", core.NewInt(2)))
	// Overlap is rejected at staging time.
	err := js.Set("doc", "a", core.NewInt(3))
	require.True(t, core.IsCode(err, core.CodeConflict))
	require.NoError(t, session.Commit())

	b, err := js.Get("doc", "a.b")
	require.NoError(t, err)
	require.NotNil(t, b)
	c, err := js.Get("doc", "a.c")
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestJSONListSeesTransactionDocuments(t *testing.T) {
	_, session := openSession(t)
	js := NewJSON(session)

	require.NoError(t, js.Set("committed-doc", "x", core.NewInt(1)))

	require.NoError(t, session.Begin())
	require.NoError(t, js.Set("staged-doc", "y", core.NewInt(2)))

	names, err := js.List("")
	require.NoError(t, err)
	require.Equal(t, []string{"committed-doc", "staged-doc"}, names)

	require.NoError(t, session.Rollback())
	names, err = js.List("")
	require.NoError(t, err)
	require.Equal(t, []string{"committed-doc"}, names)
}

func TestJSONGetSeesStagedPatches(t *testing.T) {
	_, session := openSession(t)
	js := NewJSON(session)

	require.NoError(t, js.Set("doc", "keep", core.NewInt(1)))

	require.NoError(t, session.Begin())
	require.NoError(t, js.Set("doc", "added", core.NewInt(2)))

	added, err := js.Get("doc", "added")
	require.NoError(t, err)
	require.NotNil(t, added, "staged patches must be visible to in-transaction reads")
	kept, err := js.Get("doc", "keep")
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.NoError(t, session.Rollback())
}

func TestSpaceIndex(t *testing.T) {
	_, session := openSession(t)
	spaces := NewSpaceIndex(session)

	require.NoError(t, spaces.Register("scratch"))
	require.NoError(t, spaces.Register("scratch"), "re-register is idempotent")
	require.NoError(t, spaces.Register("cache"))

	exists, err := spaces.Exists("scratch")
	require.NoError(t, err)
	require.True(t, exists)

	names, err := spaces.List()
	require.NoError(t, err)
	require.Equal(t, []string{"cache", "scratch"}, names)

	require.NoError(t, spaces.Delete("cache"))
	err = spaces.Delete("cache")
	require.True(t, core.IsCode(err, core.CodeNotFound))
}

func TestKVHistoryThroughSession(t *testing.T) {
	_, session := openSession(t)
	kv := NewKV(session)

	for i := 0; i < 3; i++ {
		require.NoError(t, kv.Put("k", core.NewInt(int64(i)), 0))
	}

	history, err := kv.History("k", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.True(t, history[0].Value.Equal(core.NewInt(2)), "history is newest-first")

	// Inside a transaction, the staged value leads the history.
	require.NoError(t, session.Begin())
	require.NoError(t, kv.Put("k", core.NewInt(99), 0))
	history, err = kv.History("k", 0, 0)
	require.NoError(t, err)
	require.True(t, history[0].Value.Equal(core.NewInt(99)))
	require.NoError(t, session.Rollback())
}

func TestKVTTLThroughSession(t *testing.T) {
	db, session := openSession(t)
	kv := NewKV(session)

	now := uint64(time.Now().UnixMicro())
	db.Store().SetClock(func() uint64 { return now })

	require.NoError(t, kv.Put("ephemeral", core.NewString("v"), time.Second))
	vv, err := kv.Get("ephemeral")
	require.NoError(t, err)
	require.NotNil(t, vv)

	now += 2_000_000
	vv, err = kv.Get("ephemeral")
	require.NoError(t, err)
	require.Nil(t, vv, "expired values must read as absent")
}
