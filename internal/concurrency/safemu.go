// Package concurrency provides the coarse locking primitives shared by the
// pairing session map, the OTP state, and the client store. The protocol
// does not benefit from fine-grained locking -- pairing is rare and every
// step of the state machine depends on the previous one -- so a single
// mutex per shared structure is enough.
package concurrency

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// DebugMutex is a drop-in replacement for sync.Mutex that records which
// goroutine is holding the lock and dumps a stack trace if the same
// goroutine double-locks it, or if a lock is held for longer than
// heldWarnThreshold. It exists purely as a development aid for diagnosing
// deadlocks around the pairing map and client store. It has the same
// Lock/Unlock methods as sync.Mutex, with one stricter rule: Unlock panics
// unless it is called by the goroutine that called Lock.
type DebugMutex struct {
	held    map[int]struct{}
	heldMu  sync.Mutex
	initOne sync.Once

	mu sync.Mutex
}

const heldWarnThreshold = 20 * time.Second

func currentGoroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.Fields(buf[:n])[1]
	id, err := strconv.Atoi(string(field))
	if err != nil {
		panic(fmt.Sprintf("cannot parse goroutine id: %v", err))
	}
	return id
}

// Lock acquires the mutex, warning on stdout if the calling goroutine
// already appears to be holding it, and starting a watchdog that warns if
// the lock is still held after heldWarnThreshold.
func (m *DebugMutex) Lock() {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)

	id := currentGoroutineID()
	m.heldMu.Lock()
	m.initOne.Do(func() {
		m.held = make(map[int]struct{})
	})
	if _, exists := m.held[id]; exists {
		fmt.Println("concurrency: goroutine appears to already hold this lock")
		fmt.Printf("%s\n", buf[:n])
	}
	m.held[id] = struct{}{}
	m.heldMu.Unlock()

	go func() {
		time.Sleep(heldWarnThreshold)
		m.heldMu.Lock()
		if _, exists := m.held[id]; exists {
			fmt.Println("concurrency: lock held past warn threshold")
			fmt.Printf("%s\n", buf[:n])
		}
		m.heldMu.Unlock()
	}()

	m.mu.Lock()
}

// Unlock releases the mutex.
func (m *DebugMutex) Unlock() {
	m.heldMu.Lock()
	id := currentGoroutineID()
	if _, exists := m.held[id]; !exists {
		m.heldMu.Unlock()
		panic("concurrency: unlock called by goroutine that does not hold the lock")
	}
	delete(m.held, id)
	m.heldMu.Unlock()
	m.mu.Unlock()
}
