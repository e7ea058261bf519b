package model

import (
	"math"
	"math/rand"
	"sort"
)

// maxSubsampleSize is the per-tree sample size. Trees isolate anomalies in
// small subsamples; larger ones only dilute the signal.
const maxSubsampleSize = 256

// treeNode is one node of an isolation tree. Leaves carry the number of
// samples that reached them; internal nodes carry the split.
type treeNode struct {
	Feature int       `json:"feature,omitempty"`
	Split   float64   `json:"split,omitempty"`
	Left    *treeNode `json:"left,omitempty"`
	Right   *treeNode `json:"right,omitempty"`
	Size    int       `json:"size,omitempty"`
}

func (n *treeNode) isLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// forest is a trained isolation forest. Scores follow the original paper:
// s(x) = 2^(-E[h(x)]/c(psi)), with scoreSample = -s(x) so that more negative
// means more anomalous.
type forest struct {
	Trees       []*treeNode `json:"trees"`
	Subsample   int         `json:"subsample"`
	NumFeatures int         `json:"num_features"`
}

// fitForest builds nTrees isolation trees over X using the given seed.
// Subsampling is without replacement, capped at maxSubsampleSize.
func fitForest(x [][]float64, nTrees int, seed int64) *forest {
	rng := rand.New(rand.NewSource(seed))

	psi := len(x)
	if psi > maxSubsampleSize {
		psi = maxSubsampleSize
	}
	depthLimit := int(math.Ceil(math.Log2(float64(psi))))
	if depthLimit < 1 {
		depthLimit = 1
	}

	f := &forest{
		Trees:       make([]*treeNode, 0, nTrees),
		Subsample:   psi,
		NumFeatures: len(x[0]),
	}

	for t := 0; t < nTrees; t++ {
		perm := rng.Perm(len(x))
		sample := make([][]float64, psi)
		for i := 0; i < psi; i++ {
			sample[i] = x[perm[i]]
		}
		f.Trees = append(f.Trees, buildTree(sample, 0, depthLimit, rng))
	}

	return f
}

func buildTree(sample [][]float64, depth, limit int, rng *rand.Rand) *treeNode {
	if depth >= limit || len(sample) <= 1 {
		return &treeNode{Size: len(sample)}
	}

	feature := rng.Intn(len(sample[0]))
	lo, hi := sample[0][feature], sample[0][feature]
	for _, row := range sample {
		v := row[feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return &treeNode{Size: len(sample)}
	}

	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range sample {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &treeNode{
		Feature: feature,
		Split:   split,
		Left:    buildTree(left, depth+1, limit, rng),
		Right:   buildTree(right, depth+1, limit, rng),
	}
}

// pathLength walks x down the tree. At a leaf holding more than one sample
// the expected remaining depth c(size) is added.
func pathLength(n *treeNode, x []float64, depth float64) float64 {
	if n.isLeaf() {
		return depth + cFactor(n.Size)
	}
	if x[n.Feature] < n.Split {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// cFactor is the average path length of an unsuccessful BST search over n
// nodes, used to normalize isolation depths.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	harmonic := math.Log(fn-1) + eulerGamma
	return 2*harmonic - 2*(fn-1)/fn
}

const eulerGamma = 0.5772156649015329

// scoreSample returns the negated anomaly score in [-1, 0): more negative is
// more anomalous.
func (f *forest) scoreSample(x []float64) float64 {
	total := 0.0
	for _, t := range f.Trees {
		total += pathLength(t, x, 0)
	}
	avgDepth := total / float64(len(f.Trees))
	s := math.Pow(2, -avgDepth/cFactor(f.Subsample))
	return -s
}

// quantile computes the q-quantile (0..1) with linear interpolation between
// order statistics, matching numpy's default percentile behavior.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}

	rank := q * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
