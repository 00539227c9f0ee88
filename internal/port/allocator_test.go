package port

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestNewAllocator_DefaultHost(t *testing.T) {
	a := NewAllocator("")
	if a.Host() != DefaultHost {
		t.Errorf("Host() = %q, want %q", a.Host(), DefaultHost)
	}

	a = NewAllocator("127.0.0.1")
	if a.Host() != "127.0.0.1" {
		t.Errorf("Host() = %q, want 127.0.0.1", a.Host())
	}
}

func TestAllocate_ReturnsFreePort(t *testing.T) {
	a := NewAllocator("127.0.0.1")

	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if p <= 0 || p > 65535 {
		t.Fatalf("Allocate() = %d, out of range", p)
	}
	if !a.IsFree(p) {
		t.Errorf("port %d should be free right after Allocate", p)
	}
}

func TestAllocate_InvalidHost(t *testing.T) {
	a := NewAllocator("192.0.2.1") // TEST-NET-1, never a local address

	_, err := a.Allocate()
	if err == nil {
		t.Fatal("expected error for unbindable host")
	}
	if !errors.Is(err, ErrPortAllocation) {
		t.Errorf("error %v should wrap ErrPortAllocation", err)
	}
}

func TestIsFree(t *testing.T) {
	a := NewAllocator("127.0.0.1")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := ln.Addr().(*net.TCPAddr).Port

	if a.IsFree(p) {
		t.Errorf("IsFree(%d) = true while listener is open", p)
	}

	ln.Close()

	if !a.IsFree(p) {
		t.Errorf("IsFree(%d) = false after listener closed", p)
	}
}

func TestAddress(t *testing.T) {
	a := NewAllocator("localhost")
	if got := a.Address(4242); got != "localhost:4242" {
		t.Errorf("Address() = %q, want localhost:4242", got)
	}
}

func TestWaitClaimed_AlreadyClaimed(t *testing.T) {
	a := NewAllocator("127.0.0.1")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	p := ln.Addr().(*net.TCPAddr).Port

	polls := 0
	err = a.WaitClaimed(context.Background(), p, WaitOptions{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		OnPoll:   func(int) { polls++ },
	})
	if err != nil {
		t.Fatalf("WaitClaimed() error: %v", err)
	}
	if polls != 0 {
		t.Errorf("polls = %d, want 0 for an already-claimed port", polls)
	}
}

func TestWaitClaimed_ClaimedLater(t *testing.T) {
	a := NewAllocator("127.0.0.1")
	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	claimed := make(chan net.Listener, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
		if err != nil {
			claimed <- nil
			return
		}
		claimed <- ln
	}()

	err = a.WaitClaimed(context.Background(), p, WaitOptions{
		Interval: 10 * time.Millisecond,
		Timeout:  2 * time.Second,
	})

	ln := <-claimed
	if ln == nil {
		t.Skip("could not re-bind allocated port (raced with another process)")
	}
	defer ln.Close()

	if err != nil {
		t.Fatalf("WaitClaimed() error: %v", err)
	}
}

func TestWaitClaimed_Timeout(t *testing.T) {
	a := NewAllocator("127.0.0.1")
	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	const (
		timeout  = 200 * time.Millisecond
		interval = 20 * time.Millisecond
	)

	start := time.Now()
	err = a.WaitClaimed(context.Background(), p, WaitOptions{
		Interval: interval,
		Timeout:  timeout,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("error = %v, want ErrStartupTimeout", err)
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	// One interval of slack plus scheduling noise.
	if elapsed > timeout+interval+150*time.Millisecond {
		t.Errorf("returned after %v, want within ~%v", elapsed, timeout+interval)
	}
}

func TestWaitClaimed_Abort(t *testing.T) {
	a := NewAllocator("127.0.0.1")
	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	abort := make(chan struct{})
	time.AfterFunc(30*time.Millisecond, func() { close(abort) })

	err = a.WaitClaimed(context.Background(), p, WaitOptions{
		Interval: 10 * time.Millisecond,
		Timeout:  5 * time.Second,
		Abort:    abort,
	})
	if !errors.Is(err, ErrAborted) {
		t.Errorf("error = %v, want ErrAborted", err)
	}
}

func TestWaitClaimed_ContextCancelled(t *testing.T) {
	a := NewAllocator("127.0.0.1")
	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err = a.WaitClaimed(ctx, p, WaitOptions{
		Interval: 10 * time.Millisecond,
		Timeout:  5 * time.Second,
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestWaitClaimed_InvalidTimeout(t *testing.T) {
	a := NewAllocator("127.0.0.1")
	if err := a.WaitClaimed(context.Background(), 1, WaitOptions{}); err == nil {
		t.Error("expected error for zero timeout")
	}
}
