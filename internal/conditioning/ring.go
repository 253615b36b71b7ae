package conditioning

// ring is a fixed-capacity FIFO of float64 with a running sum.
type ring struct {
	buf  []float64
	head int // index of the oldest value
	n    int
	sum  float64
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) cap() int   { return len(r.buf) }
func (r *ring) len() int   { return r.n }
func (r *ring) full() bool { return r.n == len(r.buf) }

func (r *ring) push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		r.sum += v
		return
	}
	r.sum += v - r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		// resync once per lap so rounding error cannot accumulate
		r.sum = 0
		for _, x := range r.buf {
			r.sum += x
		}
	}
}

func (r *ring) mean() float64 {
	if r.n == 0 {
		return 0
	}
	return r.sum / float64(r.n)
}

// at returns the i-th oldest value.
func (r *ring) at(i int) float64 {
	return r.buf[(r.head+i)%len(r.buf)]
}

// variance is the population variance. It is computed from the contents
// rather than the running sum to avoid cancellation on large raw counts.
func (r *ring) variance() float64 {
	if r.n == 0 {
		return 0
	}
	m := r.mean()
	var acc float64
	for i := 0; i < r.n; i++ {
		d := r.at(i) - m
		acc += d * d
	}
	return acc / float64(r.n)
}

// resize keeps the newest values that fit.
func (r *ring) resize(capacity int) *ring {
	out := newRing(capacity)
	start := r.n - out.cap()
	if start < 0 {
		start = 0
	}
	for i := start; i < r.n; i++ {
		out.push(r.at(i))
	}
	return out
}

func (r *ring) reset() {
	r.head, r.n, r.sum = 0, 0, 0
}
