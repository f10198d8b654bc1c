package broadcast

import (
	"bytes"
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(8)
	sub := b.Subscribe()
	if sub == nil {
		t.Fatal("expected subscriber")
	}

	b.Publish([]byte("one"))
	b.Publish([]byte("two"))
	b.Publish([]byte("three"))

	for _, want := range []string{"one", "two", "three"} {
		got := <-sub.Ch()
		if string(got.Data) != want {
			t.Fatalf("expected %q, got %q", want, got.Data)
		}
		if got.DroppedBytes != 0 {
			t.Fatalf("unexpected drop count %d", got.DroppedBytes)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()

	b.Publish([]byte("aa"))
	b.Publish([]byte("bbb"))
	b.Publish([]byte("cccc")) // evicts "aa"

	first := <-sub.Ch()
	if string(first.Data) != "bbb" {
		t.Fatalf("expected oldest surviving chunk 'bbb', got %q", first.Data)
	}
	second := <-sub.Ch()
	if string(second.Data) != "cccc" {
		t.Fatalf("expected 'cccc', got %q", second.Data)
	}
	if first.DroppedBytes+second.DroppedBytes != 2 {
		t.Fatalf("expected 2 dropped bytes accounted, got %d and %d",
			first.DroppedBytes, second.DroppedBytes)
	}
}

func TestDroppedBytesAccumulateAcrossEvictions(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()

	b.Publish([]byte("a"))
	b.Publish([]byte("bb"))   // evicts "a"
	b.Publish([]byte("ccc"))  // evicts "bb"
	b.Publish([]byte("dddd")) // evicts "ccc"

	got := <-sub.Ch()
	if string(got.Data) != "dddd" {
		t.Fatalf("expected newest chunk, got %q", got.Data)
	}
	if got.DroppedBytes != 6 {
		t.Fatalf("expected 6 dropped bytes (a+bb+ccc), got %d", got.DroppedBytes)
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New(1)
	slow := b.Subscribe()
	fast := b.Subscribe()

	drained := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range fast.Ch() {
			drained <- c.Data
		}
	}()

	b.Publish([]byte("x"))
	if got := <-drained; !bytes.Equal(got, []byte("x")) {
		t.Fatalf("fast subscriber missed chunk, got %q", got)
	}
	b.Publish([]byte("y"))
	if got := <-drained; !bytes.Equal(got, []byte("y")) {
		t.Fatalf("fast subscriber missed chunk, got %q", got)
	}

	// slow has buffered "x" and dropped it for "y".
	got := <-slow.Ch()
	if string(got.Data) != "y" || got.DroppedBytes != 1 {
		t.Fatalf("expected slow to hold 'y' with 1 dropped byte, got %q (%d)",
			got.Data, got.DroppedBytes)
	}

	b.Close()
	<-done
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	b.Close()

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if s := b.Subscribe(); s != nil {
		t.Fatal("expected nil subscriber after close")
	}
	b.Close() // idempotent
	b.Publish([]byte("ignored"))
}

func TestUnsubscribe(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	other := b.Subscribe()

	sub.Unsubscribe()
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", n)
	}

	b.Publish([]byte("still works"))
	if got := <-other.Ch(); string(got.Data) != "still works" {
		t.Fatalf("remaining subscriber missed publish, got %q", got.Data)
	}
	b.Close()
}
