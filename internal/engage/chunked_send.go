package engage

import (
	"math/rand"
	"net"
	"time"
)

// DefaultChunkSize and the default inter-chunk delay range give the
// attacker the feel of a slow, real interactive shell and incidentally
// defeat trivial timing fingerprints of the honeypot's own I/O.
const (
	DefaultChunkSize = 240
	DefaultMinDelay  = 20 * time.Millisecond
	DefaultMaxDelay  = 120 * time.Millisecond
)

// ChunkedSend splits data into chunkSize-byte pieces and writes them to
// conn, sleeping a uniformly random duration in [minDelay, maxDelay]
// between writes. It returns false on any write failure; a closed socket
// is an expected terminal state at this layer, not an error, so callers
// must not treat a false return as something to log as a failure.
func ChunkedSend(conn net.Conn, data []byte, chunkSize int, minDelay, maxDelay time.Duration) bool {
	if len(data) == 0 {
		return true
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := conn.Write(data[i:end]); err != nil {
			return false
		}
		time.Sleep(randomDuration(minDelay, maxDelay))
	}
	return true
}

// send is the Engine's convenience wrapper around ChunkedSend using the
// default chunk size and delay range.
func send(conn net.Conn, text string) bool {
	return ChunkedSend(conn, []byte(text), DefaultChunkSize, DefaultMinDelay, DefaultMaxDelay)
}

// randomDuration returns a uniformly random duration in [min, max]. When
// max <= min, min is returned unchanged.
func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
