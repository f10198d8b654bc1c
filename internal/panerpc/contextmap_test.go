package panerpc

import (
	"reflect"
	"testing"
)

func TestRegisterLeaderBindsCtx0(t *testing.T) {
	c := NewContextMap()
	c.RegisterLeader("L")

	if sess, ok := c.Resolve("ctx_0"); !ok || sess != "L" {
		t.Fatalf("ctx_0 should resolve to L, got %q %v", sess, ok)
	}
	if ctx, ok := c.ResolveSession("L"); !ok || ctx != "ctx_0" {
		t.Fatalf("L should resolve to ctx_0, got %q %v", ctx, ok)
	}
	if idx := c.NextIndex(); idx != 1 {
		t.Fatalf("next allocation should be 1, got %d", idx)
	}
}

func TestAllocateStrictlyIncreasing(t *testing.T) {
	c := NewContextMap()
	c.RegisterLeader("L")

	for i, sess := range []string{"a", "b", "c"} {
		want := []string{"ctx_1", "ctx_2", "ctx_3"}[i]
		if got := c.Allocate(sess); got != want {
			t.Fatalf("allocation %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestRemoveDropsBothDirections(t *testing.T) {
	c := NewContextMap()
	c.RegisterLeader("L")
	c.Allocate("a")
	c.Allocate("b")

	if !c.Remove("ctx_1") {
		t.Fatal("remove of known context should report true")
	}
	if _, ok := c.Resolve("ctx_1"); ok {
		t.Fatal("forward mapping survived removal")
	}
	if _, ok := c.ResolveSession("a"); ok {
		t.Fatal("reverse mapping survived removal")
	}
	// Leader binding is untouched.
	if sess, ok := c.Resolve("ctx_0"); !ok || sess != "L" {
		t.Fatalf("ctx_0 disturbed by removal: %q %v", sess, ok)
	}
	if c.Remove("ctx_1") {
		t.Fatal("second remove should report false")
	}
	// Indices are never reused after removal.
	if got := c.Allocate("c"); got != "ctx_3" {
		t.Fatalf("expected ctx_3 after removing ctx_1, got %s", got)
	}
}

func TestAllocateWithoutLeaderStartsAtOne(t *testing.T) {
	c := NewContextMap()
	if got := c.Allocate("a"); got != "ctx_1" {
		t.Fatalf("expected ctx_1, got %s", got)
	}
	if _, ok := c.Resolve("ctx_0"); ok {
		t.Fatal("ctx_0 must never be implicitly assigned")
	}
}

func TestListSortedByIndex(t *testing.T) {
	c := NewContextMap()
	c.RegisterLeader("L")
	for _, sess := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		c.Allocate(sess)
	}
	got := c.List()
	want := []string{"ctx_0", "ctx_1", "ctx_2", "ctx_3", "ctx_4", "ctx_5",
		"ctx_6", "ctx_7", "ctx_8", "ctx_9", "ctx_10"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
