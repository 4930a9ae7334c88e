package conn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"
)

var idCounter uint64

// generateID produces a short identifier used to correlate trace lines
// from one connection.
func generateID() string {
	counter := atomic.AddUint64(&idCounter, 1)

	id := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		return fmt.Sprintf("%08x", counter)
	}

	return hex.EncodeToString(id) + fmt.Sprintf("-%04x", counter&0xffff)
}
