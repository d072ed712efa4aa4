package internal

import "sync"

// tunWriter serializes every write to the tun device behind a single lock
// so concurrent TCP and UDP workers never interleave a partial frame
// (spec §4.6, "ordering guarantee"; spec §5, "shared resources").
type tunWriter struct {
	mu  sync.Mutex
	dev tunDevice
}

func newTunWriter(dev tunDevice) *tunWriter {
	return &tunWriter{dev: dev}
}

// WriteFrame writes frame atomically with respect to every other caller.
func (w *tunWriter) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.dev.Write(frame)
	return err
}
