package observer

// counter is a string-keyed tally. Reading a missing key yields zero.
type counter map[string]int

func (c counter) inc(k string) { c[k]++ }

// dec decrements k and forgets it once it reaches zero. Missing keys are ignored.
func (c counter) dec(k string) {
	n, ok := c[k]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c, k)
		return
	}
	c[k] = n - 1
}

// nestedCounter is a two-level tally; inner counters are created on first use.
type nestedCounter map[string]counter

func (n nestedCounter) inc(outer, inner string) {
	c, ok := n[outer]
	if !ok {
		c = make(counter)
		n[outer] = c
	}
	c.inc(inner)
}

func (n nestedCounter) dec(outer, inner string) {
	c, ok := n[outer]
	if !ok {
		return
	}
	c.dec(inner)
	if len(c) == 0 {
		delete(n, outer)
	}
}

func (n nestedCounter) get(outer, inner string) int {
	return n[outer][inner]
}

// familyCounters keeps one counter per address family.
type familyCounters struct {
	v4 counter
	v6 counter
}

func newFamilyCounters() familyCounters {
	return familyCounters{v4: make(counter), v6: make(counter)}
}
