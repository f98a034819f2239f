package vectorindex

import (
	"context"
	"math/rand/v2"
	"sort"
)

const kmeansIterations = 25

// trainSpherical clusters unit vectors into k centroids with k-means++
// seeding and Lloyd iterations. Centroids are renormalised after every
// update so assignment by dot product stays a cosine assignment. The
// result depends only on vecs order and seed.
func trainSpherical(ctx context.Context, vecs [][]float32, k int, seed int64, dot dotFunc) ([][]float32, []int, error) {
	n := len(vecs)
	if k > n {
		k = n
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	centroids := seedPlusPlus(vecs, k, rng, dot)

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	dim := len(vecs[0])
	sums := make([][]float64, k)
	for j := range sums {
		sums[j] = make([]float64, dim)
	}
	counts := make([]int, k)

	for iter := 0; iter < kmeansIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		changed := false
		for i, v := range vecs {
			best := nearestCentroid(v, centroids, dot)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for j := range sums {
			clear(sums[j])
			counts[j] = 0
		}
		for i, v := range vecs {
			c := assign[i]
			for d, x := range v {
				sums[c][d] += float64(x)
			}
			counts[c]++
		}
		for j := range centroids {
			if counts[j] == 0 {
				// Reseed an empty cluster with the point worst served by
				// its current centroid.
				far := farthestPoint(vecs, assign, centroids, dot)
				centroids[j] = append([]float32(nil), vecs[far]...)
				assign[far] = j
				continue
			}
			c := make([]float32, dim)
			for d := range c {
				c[d] = float32(sums[j][d] / float64(counts[j]))
			}
			centroids[j] = normalize(c)
		}
	}
	return centroids, assign, nil
}

// seedPlusPlus picks initial centroids with probability proportional to
// the cosine distance from the nearest centroid chosen so far.
func seedPlusPlus(vecs [][]float32, k int, rng *rand.Rand, dot dotFunc) [][]float32 {
	n := len(vecs)
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, append([]float32(nil), vecs[rng.IntN(n)]...))

	dist := make([]float64, n)
	for i, v := range vecs {
		dist[i] = cosineDistance(v, centroids[0], dot)
	}
	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}
		next := 0
		if total <= 0 {
			next = rng.IntN(n)
		} else {
			r := rng.Float64() * total
			for i, d := range dist {
				r -= d
				if r <= 0 {
					next = i
					break
				}
				next = i
			}
		}
		c := append([]float32(nil), vecs[next]...)
		centroids = append(centroids, c)
		for i, v := range vecs {
			if d := cosineDistance(v, c, dot); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centroids
}

func cosineDistance(a, b []float32, dot dotFunc) float64 {
	d := 1 - float64(dot(a, b))
	if d < 0 {
		return 0
	}
	return d
}

// nearestCentroid returns the centroid with the highest similarity to v,
// the lowest index on ties.
func nearestCentroid(v []float32, centroids [][]float32, dot dotFunc) int {
	best, bestSim := 0, float32(-2)
	for j, c := range centroids {
		if s := dot(v, c); s > bestSim {
			best, bestSim = j, s
		}
	}
	return best
}

func farthestPoint(vecs [][]float32, assign []int, centroids [][]float32, dot dotFunc) int {
	far, worst := 0, float32(2)
	for i, v := range vecs {
		if s := dot(v, centroids[assign[i]]); s < worst {
			far, worst = i, s
		}
	}
	return far
}

// closestCentroids returns the indices of the n centroids most similar to q.
func closestCentroids(q []float32, centroids [][]float32, n int, dot dotFunc) []int {
	type scored struct {
		idx int
		sim float32
	}
	all := make([]scored, len(centroids))
	for j, c := range centroids {
		all[j] = scored{idx: j, sim: dot(q, c)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].sim != all[j].sim {
			return all[i].sim > all[j].sim
		}
		return all[i].idx < all[j].idx
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = all[i].idx
	}
	return out
}
