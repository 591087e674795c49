package stats

// Rolling is a fixed-size trailing window over a float series.
type Rolling struct {
	values []float64
	next   int
	full   bool
	sum    float64
}

func NewRolling(size int) *Rolling {
	if size <= 0 {
		size = 1
	}
	return &Rolling{values: make([]float64, size)}
}

func (r *Rolling) Push(v float64) {
	if r.full {
		r.sum -= r.values[r.next]
	}
	r.values[r.next] = v
	r.sum += v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.full = true
	}
}

func (r *Rolling) Len() int {
	if r.full {
		return len(r.values)
	}
	return r.next
}

func (r *Rolling) Full() bool { return r.full }

// Mean is zero for an empty window.
func (r *Rolling) Mean() float64 {
	n := r.Len()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

// Plateau reports when a rolling mean has stopped improving: after the
// window first fills, every episode whose rolling mean fails to beat the
// best seen so far by MinDelta counts toward Patience.
type Plateau struct {
	window   *Rolling
	minDelta float64
	patience int

	best  float64
	stale int
	armed bool
}

func NewPlateau(window, patience int, minDelta float64) *Plateau {
	return &Plateau{window: NewRolling(window), patience: patience, minDelta: minDelta}
}

// Observe records one episode value and reports whether the plateau
// condition now holds. A non-positive patience never triggers.
func (p *Plateau) Observe(v float64) bool {
	p.window.Push(v)
	if !p.window.Full() {
		return false
	}
	mean := p.window.Mean()
	if !p.armed || mean > p.best+p.minDelta {
		p.best = mean
		p.armed = true
		p.stale = 0
		return false
	}
	p.stale++
	return p.patience > 0 && p.stale >= p.patience
}

func (p *Plateau) Mean() float64 { return p.window.Mean() }

// Stale is the number of consecutive non-improving episodes.
func (p *Plateau) Stale() int { return p.stale }
