package events

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []Envelope
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Envelope, capacity)}
}

// push appends env and reports whether an older entry was evicted.
func (r *ring) push(env Envelope) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = env
		r.n++
		return false
	}
	r.buf[r.start] = env
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// items returns the buffered envelopes oldest first.
func (r *ring) items() []Envelope {
	out := make([]Envelope, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int { return r.n }
