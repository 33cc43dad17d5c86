package status

import (
	"testing"
	"time"
)

func TestChannelDecays(t *testing.T) {
	c := NewChannel(50 * time.Millisecond)
	defer c.Close()
	c.Set("syncing")
	if msg, ok := c.Message(); !ok || msg != "syncing" {
		t.Fatalf("got %q,%v want syncing", msg, ok)
	}
	time.Sleep(150 * time.Millisecond)
	if msg, ok := c.Message(); ok {
		t.Fatalf("message %q did not decay", msg)
	}
}

func TestChannelNewMessageRestartsDecay(t *testing.T) {
	c := NewChannel(100 * time.Millisecond)
	defer c.Close()
	c.Set("first")
	time.Sleep(70 * time.Millisecond)
	c.Set("second")
	// the first timer would have fired by now
	time.Sleep(60 * time.Millisecond)
	if msg, ok := c.Message(); !ok || msg != "second" {
		t.Fatalf("got %q,%v want second to still be present", msg, ok)
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Message(); ok {
		t.Fatalf("second message did not decay")
	}
}

func TestChannelClear(t *testing.T) {
	c := NewChannel(time.Minute)
	defer c.Close()
	c.Set("hello")
	c.Clear()
	if _, ok := c.Message(); ok {
		t.Fatalf("Clear did not empty the slot")
	}
}

func TestChannelSubscribe(t *testing.T) {
	c := NewChannel(30 * time.Millisecond)
	ch, cancel := c.Subscribe()
	defer cancel()
	c.Handle().Set("hi")
	select {
	case msg := <-ch:
		if msg != "hi" {
			t.Fatalf("got %q want hi", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	select {
	case msg := <-ch:
		if msg != "" {
			t.Fatalf("got %q want cleared", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for decay")
	}
	c.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("subscription not closed by Close")
	}
	// Set after Close is ignored
	c.Set("ignored")
	if _, ok := c.Message(); ok {
		t.Fatalf("Set after Close stored a message")
	}
}

func TestZeroHandleIsNoop(t *testing.T) {
	var h Handle
	h.Set("nothing happens")
}
