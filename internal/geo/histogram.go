package geo

import "time"

// Histogram counts occurrences per slot key. Absent keys count as zero.
type Histogram map[SlotKey]int

// Histogram counts the slot keys of the given timestamps.
func (t *SlotTable) Histogram(times []time.Time) Histogram {
	h := make(Histogram)
	for _, ts := range times {
		h[t.Classify(ts)]++
	}
	return h
}

// Add increments the count for key.
func (h Histogram) Add(key SlotKey) {
	h[key]++
}

// Max returns the largest count, or 0 for an empty histogram.
func (h Histogram) Max() int {
	max := 0
	for _, n := range h {
		if n > max {
			max = n
		}
	}
	return max
}

// Total returns the sum of all counts.
func (h Histogram) Total() int {
	total := 0
	for _, n := range h {
		total += n
	}
	return total
}

// Clone returns an independent copy. A nil histogram clones to an empty one.
func (h Histogram) Clone() Histogram {
	out := make(Histogram, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Rarity returns how unusual key is relative to the histogram's dominant
// slot: 1 for a never-seen slot, 1-f/max otherwise. ok is false when the
// histogram has no mass, in which case no judgement can be made.
func (h Histogram) Rarity(key SlotKey) (score float64, ok bool) {
	max := h.Max()
	if max == 0 {
		return 0, false
	}
	freq := h[key]
	if freq == 0 {
		return 1.0, true
	}
	return 1.0 - float64(freq)/float64(max), true
}
