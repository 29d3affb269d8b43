package faces

import "github.com/hazyhaar/pdfdossier/vecindex"

// Noise is the label DBSCAN gives to points that belong to no cluster.
const Noise = -1

// Point is one face embedding to cluster.
type Point struct {
	ID  string
	Vec []float32
}

// DBSCAN labels points with cluster indexes 0..n-1, or Noise. A point is a
// core point when at least minSamples points (itself included) lie within
// eps of it. Labels depend only on the order of points, so callers sort
// them first for reproducible output.
func DBSCAN(points []Point, eps float64, minSamples int) []int {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		seeds := regionQuery(points, i, eps)
		if len(seeds) < minSamples {
			labels[i] = Noise
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), seeds...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == Noise {
				// Border point reached from a core point.
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if nb := regionQuery(points, j, eps); len(nb) >= minSamples {
				queue = append(queue, nb...)
			}
		}
		cluster++
	}
	return labels
}

const unvisited = -2

func regionQuery(points []Point, i int, eps float64) []int {
	var out []int
	for j := range points {
		if vecindex.Euclidean(points[i].Vec, points[j].Vec) <= eps {
			out = append(out, j)
		}
	}
	return out
}
