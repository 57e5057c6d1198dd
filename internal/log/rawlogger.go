package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// RawLogger records descriptor words as they are published to or read back
// from controller memory.
type RawLogger interface {
	Log(write bool, phys uint32, words []uint32)
}

// rawLogger implements RawLogger with thread-safe output.
type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a new RawLogger. If writer is nil, returns a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits a single line with timestamp, direction, physical address and
// the words in hex. write=true means driver->memory, false means a read of
// hardware-owned state.
func (r *rawLogger) Log(write bool, phys uint32, words []uint32) {
	if len(words) == 0 || r.w == nil {
		return
	}

	dir := "R"
	if write {
		dir = "W"
	}

	var sb strings.Builder
	for i, v := range words {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%08x", v)
	}

	line := fmt.Sprintf("%s %s %#08x %d words: %s\n",
		time.Now().Format("2006/01/02 15:04:05.000"),
		dir,
		phys,
		len(words),
		sb.String())

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}
