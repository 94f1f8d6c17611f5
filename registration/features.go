package registration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/utils"
)

// FPFHBins is the length of an FPFH descriptor: three angular features with 11 bins each.
const FPFHBins = 33

const fpfhFeatureBins = 11

// ComputeFPFH returns the Fast Point Feature Histogram of every point (Rusu et al., "Fast Point
// Feature Histograms (FPFH) for 3D Registration", 2009). The neighborhood of a point is its up to
// neighbours nearest points within radius. The cloud must carry normals.
func ComputeFPFH(ctx context.Context, pc *pointcloud.PointCloud, radius float64, neighbours int) ([][]float64, error) {
	if !pc.HasNormals() {
		return nil, errors.Wrap(ErrMissingNormals, "fpfh")
	}
	n := pc.Size()
	tree := pointcloud.NewPointKDTree(pc.Points)
	hoods := make([][]pointcloud.Neighbor, n)
	spfh := make([][FPFHBins]float64, n)

	err := utils.ParallelForEach(ctx, n, func(i int) {
		hoods[i] = tree.HybridPoint(pc.Points[i], radius, neighbours)
		spfh[i] = simplifiedPFH(pc, i, hoods[i])
	})
	if err != nil {
		return nil, err
	}

	features := make([][]float64, n)
	err = utils.ParallelForEach(ctx, n, func(i int) {
		features[i] = weightedPFH(spfh, i, hoods[i])
	})
	if err != nil {
		return nil, err
	}
	return features, nil
}

func simplifiedPFH(pc *pointcloud.PointCloud, i int, hood []pointcloud.Neighbor) [FPFHBins]float64 {
	var hist [FPFHBins]float64
	others := 0
	for _, nb := range hood {
		if nb.Index != i {
			others++
		}
	}
	if others == 0 {
		return hist
	}
	increment := 100 / float64(others)
	for _, nb := range hood {
		if nb.Index == i {
			continue
		}
		f, ok := pairFeatures(pc.Points[i], pc.Normals[i], pc.Points[nb.Index], pc.Normals[nb.Index])
		if !ok {
			continue
		}
		hist[featureBin((f[0]+math.Pi)/(2*math.Pi))] += increment
		hist[fpfhFeatureBins+featureBin((f[1]+1)/2)] += increment
		hist[2*fpfhFeatureBins+featureBin((f[2]+1)/2)] += increment
	}
	return hist
}

func featureBin(unit float64) int {
	bin := int(math.Floor(fpfhFeatureBins * unit))
	if bin < 0 {
		return 0
	}
	if bin >= fpfhFeatureBins {
		return fpfhFeatureBins - 1
	}
	return bin
}

// pairFeatures returns the Darboux frame angles (theta, alpha, phi) between two oriented points.
func pairFeatures(p1, n1, p2, n2 r3.Vector) ([3]float64, bool) {
	dp := p2.Sub(p1)
	dist := dp.Norm()
	if dist == 0 {
		return [3]float64{}, false
	}
	a1 := n1.Dot(dp) / dist
	a2 := n2.Dot(dp) / dist

	var phi float64
	if math.Acos(math.Abs(a1)) > math.Acos(math.Abs(a2)) {
		n1, n2 = n2, n1
		dp = dp.Mul(-1)
		phi = -a2
	} else {
		phi = a1
	}

	v := dp.Cross(n1)
	vNorm := v.Norm()
	if vNorm == 0 {
		return [3]float64{}, false
	}
	v = v.Mul(1 / vNorm)
	w := n1.Cross(v)
	alpha := v.Dot(n2)
	theta := math.Atan2(w.Dot(n2), n1.Dot(n2))
	return [3]float64{theta, alpha, phi}, true
}

func weightedPFH(spfh [][FPFHBins]float64, i int, hood []pointcloud.Neighbor) []float64 {
	feature := make([]float64, FPFHBins)
	var sums [3]float64
	for _, nb := range hood {
		if nb.Index == i || nb.Distance2 == 0 {
			continue
		}
		for j := 0; j < FPFHBins; j++ {
			val := spfh[nb.Index][j] / nb.Distance2
			sums[j/fpfhFeatureBins] += val
			feature[j] += val
		}
	}
	for j := 0; j < FPFHBins; j++ {
		scale := 0.0
		if s := sums[j/fpfhFeatureBins]; s != 0 {
			scale = 100 / s
		}
		feature[j] = feature[j]*scale + spfh[i][j]
	}
	return feature
}

// matchFeatures pairs every source descriptor with its nearest target descriptor. With mutual set,
// only pairs that are also nearest from the target side are kept; when that leaves fewer than
// minMutual pairs the one sided matches are returned instead.
func matchFeatures(
	ctx context.Context,
	targetFeatures, sourceFeatures [][]float64,
	mutual bool,
	minMutual int,
) ([]Correspondence, bool, error) {
	if len(targetFeatures) == 0 || len(sourceFeatures) == 0 {
		return nil, false, nil
	}
	targetTree := pointcloud.NewKDTree(targetFeatures)
	forward := make([]int, len(sourceFeatures))
	if err := utils.ParallelForEach(ctx, len(sourceFeatures), func(i int) {
		nn, _ := targetTree.Nearest(sourceFeatures[i])
		forward[i] = nn.Index
	}); err != nil {
		return nil, false, err
	}

	all := make([]Correspondence, len(forward))
	for i, j := range forward {
		all[i] = Correspondence{Source: i, Target: j}
	}
	if !mutual {
		return all, false, nil
	}

	sourceTree := pointcloud.NewKDTree(sourceFeatures)
	backward := make(map[int]int)
	for _, j := range forward {
		backward[j] = -1
	}
	targets := make([]int, 0, len(backward))
	for j := range backward {
		targets = append(targets, j)
	}
	back := make([]int, len(targets))
	if err := utils.ParallelForEach(ctx, len(targets), func(k int) {
		nn, _ := sourceTree.Nearest(targetFeatures[targets[k]])
		back[k] = nn.Index
	}); err != nil {
		return nil, false, err
	}
	for k, j := range targets {
		backward[j] = back[k]
	}

	var kept []Correspondence
	for _, c := range all {
		if backward[c.Target] == c.Source {
			kept = append(kept, c)
		}
	}
	if len(kept) < minMutual {
		return all, false, nil
	}
	return kept, true, nil
}
