// pkg/core/key_test.go
package core

import (
	"strings"
	"testing"
)

func TestValidateUserKeyValid(t *testing.T) {
	valid := []string{
		"mykey",
		"user:123",
		"日本語キー",
		"a-b_c.d:e/f",
		"a",
		"  spaces  ",
		"line1\nline2",
		"_mykey",
		"_stratafoo",
		"strata/foo",
	}
	for _, key := range valid {
		if err := ValidateUserKey(key); err != nil {
			t.Errorf("key %q should be valid: %v", key, err)
		}
	}
}

func TestValidateUserKeyInvalid(t *testing.T) {
	invalid := []string{
		"",
		"a\x00b",
		"\x00abc",
		"_strata/foo",
		"_strata/",
		"_strata/system/config",
		strings.Repeat("x", 2048),
	}
	for _, key := range invalid {
		if err := ValidateUserKey(key); err == nil {
			t.Errorf("key %q should be invalid", key)
		} else if !IsCode(err, CodeInvalidKey) {
			t.Errorf("key %q should fail with InvalidKey, got %v", key, err)
		}
	}
}

func TestValidateUserKeyAtMaxLength(t *testing.T) {
	limits := DefaultLimits()
	key := strings.Repeat("x", limits.MaxKeyBytes)
	if err := ValidateUserKeyWithLimits(key, limits); err != nil {
		t.Errorf("key at max length should be valid: %v", err)
	}
	if err := ValidateUserKeyWithLimits(key+"x", limits); err == nil {
		t.Error("key over max length should be invalid")
	}
}

func TestValidateUserKeyCustomLimits(t *testing.T) {
	limits := Limits{MaxKeyBytes: 10}
	if err := ValidateUserKeyWithLimits("short", limits); err != nil {
		t.Errorf("short key should pass: %v", err)
	}
	if err := ValidateUserKeyWithLimits("toolongkey!", limits); err == nil {
		t.Error("key over custom limit should fail")
	}
	// Multi-byte keys count bytes, not runes.
	if err := ValidateUserKeyWithLimits("日本語", Limits{MaxKeyBytes: 5}); err == nil {
		t.Error("9-byte multibyte key should exceed a 5-byte limit")
	}
}

func TestSequenceKeyOrdering(t *testing.T) {
	ns := NamespaceForBranch("b1")
	k1 := NewSequenceKey(ns, 1)
	k2 := NewSequenceKey(ns, 2)
	k300 := NewSequenceKey(ns, 300)
	if !(k1.Encode() < k2.Encode() && k2.Encode() < k300.Encode()) {
		t.Error("big-endian sequence keys must order numerically")
	}
	if k300.Sequence() != 300 {
		t.Errorf("sequence roundtrip failed: %d", k300.Sequence())
	}
}

func TestKeyEncodeScopesBranch(t *testing.T) {
	a := NewStringKey(NamespaceForBranch("b1"), TagKV, "k")
	b := NewStringKey(NamespaceForBranch("b2"), TagKV, "k")
	if a.Encode() == b.Encode() {
		t.Error("same user key in different branches must encode differently")
	}
	c := NewStringKey(NamespaceForBranch("b1"), TagState, "k")
	if a.Encode() == c.Encode() {
		t.Error("same user key with different tags must encode differently")
	}
}
