package protocol

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"
)

var msgCounter atomic.Uint64

// NewMessageID returns a process-unique message id of the form
// <unix-ms>_<counter>_<8 hex chars>. Safe for concurrent use.
func NewMessageID() string {
	n := msgCounter.Add(1)

	var suffix [4]byte
	_, _ = rand.Read(suffix[:])

	return fmt.Sprintf("%d_%d_%x", time.Now().UnixMilli(), n, suffix)
}
