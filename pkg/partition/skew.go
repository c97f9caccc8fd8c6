package partition

import "gonum.org/v1/gonum/stat"

// Histogram counts the rows of each label in p. The slice has one entry per
// class up to the largest label seen or classes, whichever is bigger. Rows
// with a negative label are not counted.
func Histogram(p Partition, classes int) []int {
	for _, r := range p.Rows {
		classes = max(classes, r.Label+1)
	}
	h := make([]int, classes)
	for _, r := range p.Rows {
		if r.Label >= 0 {
			h[r.Label]++
		}
	}

	return h
}

// LabelSkew returns the sample weighted mean Shannon entropy (nats) of the
// per-client label distributions. IID partitions score close to log(classes);
// heavily skewed partitions score close to zero.
func LabelSkew(parts []Partition, classes int) float64 {
	total := 0
	for _, p := range parts {
		total += len(p.Rows)
	}
	if total == 0 {
		return 0
	}

	entropy := 0.0
	for _, p := range parts {
		if len(p.Rows) == 0 {
			continue
		}
		h := Histogram(p, classes)
		dist := make([]float64, len(h))
		for i, c := range h {
			dist[i] = float64(c) / float64(len(p.Rows))
		}
		entropy += float64(len(p.Rows)) / float64(total) * stat.Entropy(dist)
	}

	return entropy
}
