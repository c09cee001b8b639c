package monitor

// dispatchSet remembers which absolute part indices were already handed
// to the part pool. Only indices within lookback of the highest one are
// kept; older entries can never be requested again.
type dispatchSet struct {
	lookback int64
	high     int64
	seen     map[int64]struct{}
}

func newDispatchSet(lookback int) *dispatchSet {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &dispatchSet{
		lookback: int64(lookback),
		seen:     make(map[int64]struct{}, lookback),
	}
}

func (d *dispatchSet) Has(idx int64) bool {
	_, ok := d.seen[idx]
	return ok
}

func (d *dispatchSet) Add(idx int64) {
	d.seen[idx] = struct{}{}
	if idx > d.high {
		d.high = idx
	}
	if int64(len(d.seen)) > 2*d.lookback {
		for k := range d.seen {
			if k < d.high-d.lookback {
				delete(d.seen, k)
			}
		}
	}
}

func (d *dispatchSet) Len() int {
	return len(d.seen)
}

// Reset forgets every index.
func (d *dispatchSet) Reset() {
	d.high = 0
	clear(d.seen)
}

// plan decides which absolute indices to dispatch when the newest part in
// the playlist is last and every index up to pointer has been handled.
// It returns the first index to dispatch (nothing when first > last) and
// how many indices were abandoned by a skip.
//
// A gap wider than skipAhead dispatches only the newest part. The first
// playlist seen (pointer 0) always starts from its newest part without
// counting a skip.
func plan(pointer, last, skipAhead int64) (first, skipped int64) {
	if last <= pointer {
		return last + 1, 0
	}
	if last > pointer+skipAhead {
		if pointer > 0 {
			skipped = last - pointer - 1
		}
		return last, skipped
	}
	return pointer + 1, 0
}
