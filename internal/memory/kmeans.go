package memory

// maxKMeansIterations bounds a clustering run.
const maxKMeansIterations = 50

// kmeansResult holds the output of kmeans.
type kmeansResult struct {
	Centroids  [][]float32
	Assignment []int // index into Centroids per input vector
	Iterations int
}

// kmeans partitions unit vectors into k groups by cosine similarity.
// Initialisation is deterministic farthest-point: the first vector seeds
// cluster 0 and each further seed is the vector least similar to its nearest
// existing seed. A cluster that empties during iteration is re-seeded with
// the member least similar to its current centroid. k is clamped to
// len(vectors).
func kmeans(vectors [][]float32, k int) kmeansResult {
	n := len(vectors)
	if n == 0 || k <= 0 {
		return kmeansResult{}
	}
	if k > n {
		k = n
	}

	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(vectors[0]))
	nearest := make([]float64, n)
	for i, v := range vectors {
		nearest[i] = CosineSimilarity(v, centroids[0])
	}
	for len(centroids) < k {
		pick := -1
		worst := 2.0
		for i, s := range nearest {
			if s < worst {
				worst = s
				pick = i
			}
		}
		c := clone(vectors[pick])
		centroids = append(centroids, c)
		for i, v := range vectors {
			if s := CosineSimilarity(v, c); s > nearest[i] {
				nearest[i] = s
			}
		}
		nearest[pick] = 2 // never picked twice
	}

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}

	iter := 0
	for iter < maxKMeansIterations {
		iter++
		changed := false
		for i, v := range vectors {
			best := nearestCentroid(v, centroids)
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
		}

		members := make([][][]float32, k)
		for i, c := range assign {
			members[c] = append(members[c], vectors[i])
		}
		for c := range centroids {
			if len(members[c]) == 0 {
				if idx := farthestFrom(vectors, assign, centroids); idx >= 0 {
					centroids[c] = clone(vectors[idx])
					assign[idx] = c
					changed = true
				}
				continue
			}
			if mean := Mean(members[c]); mean != nil {
				centroids[c] = Normalize(mean)
			}
		}
		if !changed {
			break
		}
	}
	return kmeansResult{Centroids: centroids, Assignment: assign, Iterations: iter}
}

// nearestCentroid returns the index of the most similar centroid, lowest
// index on ties.
func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestSim := 0, -2.0
	for c, centroid := range centroids {
		if s := CosineSimilarity(v, centroid); s > bestSim {
			best, bestSim = c, s
		}
	}
	return best
}

// farthestFrom returns the vector least similar to its assigned centroid
// among clusters with more than one member, or -1.
func farthestFrom(vectors [][]float32, assign []int, centroids [][]float32) int {
	sizes := make(map[int]int)
	for _, c := range assign {
		sizes[c]++
	}
	pick, worst := -1, 2.0
	for i, v := range vectors {
		c := assign[i]
		if c < 0 || sizes[c] < 2 {
			continue
		}
		if s := CosineSimilarity(v, centroids[c]); s < worst {
			pick, worst = i, s
		}
	}
	return pick
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
