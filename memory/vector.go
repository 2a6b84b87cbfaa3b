package memory

import (
	"cmp"
	"math"
	"slices"
)

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// zero, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CompareRecords orders by higher importance, then newer creation, then id.
func CompareRecords(a, b *Record) int {
	if c := cmp.Compare(b.Importance, a.Importance); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortNeighbors orders hits by similarity then CompareRecords.
func SortNeighbors(ns []Neighbor) {
	slices.SortFunc(ns, func(a, b Neighbor) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return CompareRecords(a.Record, b.Record)
	})
}

// Traverse runs a breadth-first walk from start up to depth hops. next
// returns the direct neighbours of a node. The start node is not included.
func Traverse(start string, depth int, next func(id string) ([]string, error)) (map[string]int, error) {
	hops := map[string]int{}
	if depth <= 0 {
		return hops, nil
	}
	seen := map[string]bool{start: true}
	frontier := []string{start}
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var following []string
		for _, id := range frontier {
			ns, err := next(id)
			if err != nil {
				return nil, err
			}
			for _, n := range ns {
				if seen[n] {
					continue
				}
				seen[n] = true
				hops[n] = hop
				following = append(following, n)
			}
		}
		slices.Sort(following)
		frontier = following
	}
	return hops, nil
}
