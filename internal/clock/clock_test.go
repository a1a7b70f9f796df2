package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestReal_Now(t *testing.T) {
	before := time.Now()
	result := Real{}.Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(Real); !ok {
		t.Error("OrReal(nil) should return Real")
	}
	m := NewMock(epoch)
	if OrReal(m) != Clock(m) {
		t.Error("OrReal(m) should return m")
	}
}

func TestMock_Advance(t *testing.T) {
	mock := NewMock(epoch)

	first := mock.Now()
	mock.Advance(time.Hour)
	second := mock.Now()

	if !first.Equal(epoch) {
		t.Errorf("Before Advance, Now() = %v, expected %v", first, epoch)
	}
	if want := epoch.Add(time.Hour); !second.Equal(want) {
		t.Errorf("After Advance, Now() = %v, expected %v", second, want)
	}
	if got := mock.Since(epoch); got != time.Hour {
		t.Errorf("Since() = %v, expected 1h", got)
	}
}

func TestMock_After(t *testing.T) {
	mock := NewMock(epoch)

	short := mock.After(time.Second)
	long := mock.After(time.Minute)
	if n := mock.Waiters(); n != 2 {
		t.Fatalf("Waiters() = %d, want 2", n)
	}

	mock.Advance(30 * time.Second)
	select {
	case got := <-short:
		if want := epoch.Add(30 * time.Second); !got.Equal(want) {
			t.Errorf("short fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if n := mock.Waiters(); n != 1 {
		t.Errorf("Waiters() = %d, want 1", n)
	}

	mock.Set(epoch.Add(time.Hour))
	select {
	case <-long:
	default:
		t.Fatal("long waiter did not fire after Set")
	}
}

func TestMock_AfterZero(t *testing.T) {
	mock := NewMock(epoch)
	select {
	case <-mock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
	if mock.Waiters() != 0 {
		t.Error("After(0) should not register a waiter")
	}
}
