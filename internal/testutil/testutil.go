// Package testutil collects small helpers shared by the test suites of the
// pairing, client store, and streaming packages.
package testutil

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// SecureRandomInt returns a cryptographically random integer in [min, max].
func SecureRandomInt(min, max int) int {
	rangeSize := max - min + 1

	var n uint32
	if err := binary.Read(rand.Reader, binary.LittleEndian, &n); err != nil {
		panic("testutil: secure random number generation is not working")
	}
	return int(n)%rangeSize + min
}

// TempDir creates and returns a fresh temporary directory for test state,
// named after the calling test plus a timestamp and random suffix so
// parallel test runs never collide.
func TempDir(testName string) string {
	dirName := fmt.Sprintf("%s-%d-%d", testName, time.Now().Unix(), SecureRandomInt(100000, 999999))
	fullPath := fmt.Sprintf("%s/%s", os.TempDir(), dirName)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		panic(err)
	}
	return fullPath
}
