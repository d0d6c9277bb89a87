package eventbits

import (
	"testing"
	"time"
)

func TestSetAndGet(t *testing.T) {
	b := New()
	if b.Get(WifiUp) {
		t.Fatal("WifiUp should start clear")
	}
	b.Set(WifiUp)
	if !b.Get(WifiUp) {
		t.Fatal("WifiUp should be set")
	}
}

func TestClear(t *testing.T) {
	b := New()
	b.Set(CloudSessionUp)
	b.Clear(CloudSessionUp)
	if b.Get(CloudSessionUp) {
		t.Fatal("CloudSessionUp should be clear after Clear")
	}
}

func TestWaitSetReturnsImmediatelyWhenAlreadySet(t *testing.T) {
	b := New()
	b.Set(TimeSynced)

	done := make(chan struct{})
	ok := b.WaitSet(TimeSynced, done)
	if !ok {
		t.Fatal("WaitSet should return true when bit already set")
	}
}

func TestWaitSetWakesOnSet(t *testing.T) {
	b := New()
	done := make(chan struct{})
	result := make(chan bool, 1)

	go func() {
		result <- b.WaitSet(LocalChannelActive, done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Set(LocalChannelActive)

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("WaitSet should return true once the bit is set")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitSet did not wake up after Set")
	}
}

func TestWaitSetReturnsFalseOnDone(t *testing.T) {
	b := New()
	done := make(chan struct{})
	result := make(chan bool, 1)

	go func() {
		result <- b.WaitSet(WifiUp, done)
	}()

	time.Sleep(10 * time.Millisecond)
	close(done)

	select {
	case ok := <-result:
		if ok {
			t.Fatal("WaitSet should return false when done fires before the bit is set")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitSet did not return after done closed")
	}
}

func TestSetIsIdempotent(t *testing.T) {
	b := New()
	b.Set(WifiUp)
	b.Set(WifiUp)
	if !b.Get(WifiUp) {
		t.Fatal("WifiUp should remain set")
	}
}
