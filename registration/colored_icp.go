package registration

import (
	"context"
	"image/color"

	"github.com/golang/geo/r3"
	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
	"go.viam.com/pcregistration/utils"
)

// RegisterColoredICP refines initial with colored ICP (Park et al., "Colored Point Cloud Registration
// Revisited", 2017). The objective blends the point to plane distance, weighted by lambda_geometric,
// with the difference between source intensity and the target intensity extrapolated along its tangent
// plane. Both clouds need colors and the target needs normals.
func RegisterColoredICP(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	initial spatialmath.Transformation,
	config *ColoredICPConfig,
	observe IterationObserver,
) (Result, error) {
	if !target.HasNormals() {
		return Result{}, errors.Wrap(ErrMissingNormals, "colored icp target")
	}
	if !target.HasColor() {
		return Result{}, errors.Wrap(ErrMissingColors, "colored icp target")
	}
	if !source.HasColor() {
		return Result{}, errors.Wrap(ErrMissingColors, "colored icp source")
	}
	lambdaPtr := config.lambda()
	if lambdaPtr == nil {
		return Result{}, errors.New("colored icp needs lambda_geometric")
	}
	lambda := *lambdaPtr

	targetIntensity := Intensities(target.Colors)
	sourceIntensity := Intensities(source.Colors)
	radius := config.GradientRadius
	if radius == 0 {
		radius = 2 * config.DistanceThreshold
	}
	neighbours := config.GradientNeighbours
	if neighbours == 0 {
		neighbours = DefaultNormalNeighbours
	}
	gradients, err := intensityGradients(ctx, target, targetIntensity, radius, neighbours)
	if err != nil {
		return Result{}, err
	}

	kernel := newKernel(config.HuberKernel, config.TukeyKernel)
	step := func(moved []r3.Vector, correspondences []Correspondence) (spatialmath.Transformation, error) {
		var ne normalEquations
		for _, c := range correspondences {
			s := moved[c.Source]
			tp := target.Points[c.Target]
			n := target.Normals[c.Target]
			g := gradients[c.Target]

			d := s.Sub(tp).Dot(n)
			ne.add(jacobianRow(s, n), d, lambda*kernel.Weight(d))

			projected := s.Sub(n.Mul(d))
			rc := targetIntensity[c.Target] + g.Dot(projected.Sub(tp)) - sourceIntensity[c.Source]
			tangent := g.Sub(n.Mul(g.Dot(n)))
			ne.add(jacobianRow(s, tangent), rc, (1-lambda)*kernel.Weight(rc))
		}
		return ne.solve()
	}

	criteria := config.ConvergenceCriteria
	criteria.applyDefaults()
	return iterateICP(ctx, target, source, initial, config.DistanceThreshold, criteria, step, observe)
}

// Intensities returns the CIE L* lightness of every color, in [0, 1].
func Intensities(colors []color.NRGBA) []float64 {
	out := make([]float64, len(colors))
	for i, c := range colors {
		l, _, _ := colorful.Color{
			R: float64(c.R) / 255,
			G: float64(c.G) / 255,
			B: float64(c.B) / 255,
		}.Lab()
		out[i] = l
	}
	return out
}

// intensityGradients estimates the intensity gradient of every point within its tangent plane by
// least squares over the projected neighborhood, with the gradient constrained to be orthogonal to
// the normal. Points with fewer than four neighbors get a zero gradient.
func intensityGradients(
	ctx context.Context,
	pc *pointcloud.PointCloud,
	intensity []float64,
	radius float64,
	neighbours int,
) ([]r3.Vector, error) {
	tree := pointcloud.NewPointKDTree(pc.Points)
	gradients := make([]r3.Vector, pc.Size())
	err := utils.ParallelForEach(ctx, pc.Size(), func(i int) {
		hits := tree.HybridPoint(pc.Points[i], radius, neighbours)
		if len(hits) < 4 {
			return
		}
		p := pc.Points[i]
		n := pc.Normals[i]
		a := mat.NewDense(len(hits)+1, 3, nil)
		b := mat.NewVecDense(len(hits)+1, nil)
		for row, h := range hits {
			q := pc.Points[h.Index]
			projected := q.Sub(n.Mul(n.Dot(q.Sub(p))))
			d := projected.Sub(p)
			a.Set(row, 0, d.X)
			a.Set(row, 1, d.Y)
			a.Set(row, 2, d.Z)
			b.SetVec(row, intensity[h.Index]-intensity[i])
		}
		w := float64(len(hits) - 1)
		a.Set(len(hits), 0, w*n.X)
		a.Set(len(hits), 1, w*n.Y)
		a.Set(len(hits), 2, w*n.Z)

		var x mat.VecDense
		if err := x.SolveVec(a, b); err != nil {
			return
		}
		gradients[i] = r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	})
	if err != nil {
		return nil, err
	}
	return gradients, nil
}
