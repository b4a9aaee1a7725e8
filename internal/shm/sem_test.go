package shm

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"
)

func tempSemName(t *testing.T) string {
	t.Helper()
	var raw [8]byte
	rand.Read(raw[:])
	return "fsrvtest" + hex.EncodeToString(raw[:])
}

func TestSemPostWait(t *testing.T) {
	name := tempSemName(t)
	s, err := CreateSem(name, 0)
	if err != nil {
		t.Fatalf("CreateSem: %v", err)
	}
	defer func() {
		s.Close()
		UnlinkSem(name)
	}()

	if s.TryWait() {
		t.Fatal("TryWait succeeded on empty semaphore")
	}
	if err := s.Post(); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !s.TryWait() {
		t.Fatal("TryWait failed after post")
	}
}

func TestSemInitialValue(t *testing.T) {
	name := tempSemName(t)
	s, err := CreateSem(name, 3)
	if err != nil {
		t.Fatalf("CreateSem: %v", err)
	}
	defer func() {
		s.Close()
		UnlinkSem(name)
	}()
	for i := 0; i < 3; i++ {
		if !s.TryWait() {
			t.Fatalf("TryWait %d failed", i)
		}
	}
	if s.TryWait() {
		t.Fatal("semaphore over-counted")
	}
}

func TestSemWaitTimeout(t *testing.T) {
	name := tempSemName(t)
	s, err := CreateSem(name, 0)
	if err != nil {
		t.Fatalf("CreateSem: %v", err)
	}
	defer func() {
		s.Close()
		UnlinkSem(name)
	}()

	start := time.Now()
	err = s.Wait(50 * time.Millisecond)
	if err != os.ErrDeadlineExceeded {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Wait returned before the timeout")
	}
}

func TestSemWakesWaiter(t *testing.T) {
	name := tempSemName(t)
	s, err := CreateSem(name, 0)
	if err != nil {
		t.Fatalf("CreateSem: %v", err)
	}
	defer func() {
		s.Close()
		UnlinkSem(name)
	}()

	done := make(chan error, 1)
	go func() {
		done <- s.Wait(5 * time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := s.Post(); err != nil {
		t.Fatalf("Post: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestOpenSemSharesCount(t *testing.T) {
	name := tempSemName(t)
	a, err := CreateSem(name, 0)
	if err != nil {
		t.Fatalf("CreateSem: %v", err)
	}
	defer func() {
		a.Close()
		UnlinkSem(name)
	}()
	b, err := OpenSem(name)
	if err != nil {
		t.Fatalf("OpenSem: %v", err)
	}
	defer b.Close()

	b.Post()
	if !a.TryWait() {
		t.Fatal("post through second handle not visible")
	}
}
