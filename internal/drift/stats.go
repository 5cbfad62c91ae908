package drift

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// proportionFloor keeps empty bins from producing infinite PSI terms.
const proportionFloor = 1e-6

// psi computes the population stability index between a reference and a
// candidate sample. Bin edges come from reference quantiles so each bin
// holds roughly equal reference mass; degenerate references (few distinct
// values) collapse to fewer bins.
func psi(reference, candidate []float64, bins int) float64 {
	edges := quantileEdges(reference, bins)
	if len(edges) == 0 {
		return 0
	}

	refProps := binProportions(reference, edges)
	candProps := binProportions(candidate, edges)

	var index float64
	for i := range refProps {
		p := math.Max(refProps[i], proportionFloor)
		q := math.Max(candProps[i], proportionFloor)
		index += (q - p) * math.Log(q/p)
	}
	return index
}

// quantileEdges returns the interior bin edges for the reference sample.
// n edges split the line into n+1 bins: (-inf, e0], (e0, e1], ... (en-1, +inf).
func quantileEdges(reference []float64, bins int) []float64 {
	if bins < 2 || len(reference) == 0 {
		return nil
	}

	sorted := append([]float64(nil), reference...)
	sort.Float64s(sorted)

	edges := make([]float64, 0, bins-1)
	for i := 1; i < bins; i++ {
		p := float64(i) / float64(bins)
		edge := stat.Quantile(p, stat.Empirical, sorted, nil)
		if len(edges) > 0 && edge <= edges[len(edges)-1] {
			continue
		}
		edges = append(edges, edge)
	}
	return edges
}

func binProportions(values []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		// SearchFloat64s finds the first edge >= v, which is exactly the
		// bin ending at that edge; values equal to an edge land there too.
		counts[sort.SearchFloat64s(edges, v)]++
	}

	total := float64(len(values))
	if total == 0 {
		return counts
	}
	props := make([]float64, len(counts))
	for i, c := range counts {
		props[i] = c / total
	}
	return props
}

// welchTTest returns the two-sided p-value for a difference in means under
// unequal variances, with degrees of freedom from the Welch-Satterthwaite
// approximation. Both samples must have at least two values.
func welchTTest(a, b []float64) (tStat, pValue float64) {
	meanA, varA := stat.MeanVariance(a, nil)
	meanB, varB := stat.MeanVariance(b, nil)
	nA := float64(len(a))
	nB := float64(len(b))

	se2 := varA/nA + varB/nB
	if se2 == 0 {
		// Both samples are constant. Identical means cannot reject the
		// null; differing means reject it outright.
		if meanA == meanB {
			return 0, 1
		}
		return math.Inf(1), 0
	}

	tStat = (meanA - meanB) / math.Sqrt(se2)

	df := se2 * se2 / ((varA*varA)/(nA*nA*(nA-1)) + (varB*varB)/(nB*nB*(nB-1)))
	if math.IsNaN(df) || df <= 0 {
		return tStat, 1
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	pValue = 2 * dist.Survival(math.Abs(tStat))
	if pValue > 1 {
		pValue = 1
	}
	return tStat, pValue
}
