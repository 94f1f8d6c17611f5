package pointcloud

import (
	"image/color"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
)

// HeightField is a smooth, non symmetric surface z = f(x, y) used to build synthetic clouds.
func HeightField(x, y float64) float64 {
	return 0.35*math.Sin(1.3*x+0.4)*math.Cos(0.9*y-0.2) + 0.08*x*y - 0.05*y*y
}

// MakeHeightFieldCloud samples HeightField on a cols x rows grid with the given spacing, starting at
// the origin. Points are colored by height.
func MakeHeightFieldCloud(cols, rows int, spacing float64) *PointCloud {
	pc := NewWithPrealloc(cols * rows)
	pc.Colors = make([]color.NRGBA, 0, cols*rows)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			x := float64(i) * spacing
			y := float64(j) * spacing
			z := HeightField(x, y)
			pc.Points = append(pc.Points, r3.Vector{X: x, Y: y, Z: z})
			pc.Colors = append(pc.Colors, heightColor(z, x))
		}
	}
	return pc
}

func heightColor(z, x float64) color.NRGBA {
	shade := 0.5 + 0.5*math.Tanh(2*z)
	stripe := 0.5 + 0.5*math.Sin(3*x)
	return color.NRGBA{
		R: uint8(math.Round(255 * shade)),
		G: uint8(math.Round(255 * stripe)),
		B: uint8(math.Round(255 * (1 - shade))),
		A: 255,
	}
}

// MakeBoxCloud samples the six faces of an axis aligned box of the given size, with perSide x perSide
// points per face. The box has a corner at the origin.
func MakeBoxCloud(size r3.Vector, perSide int) *PointCloud {
	pc := NewWithPrealloc(6 * perSide * perSide)
	step := func(i int) float64 {
		return (float64(i) + 0.5) / float64(perSide)
	}
	for a := 0; a < perSide; a++ {
		for b := 0; b < perSide; b++ {
			u, v := step(a), step(b)
			pc.Points = append(pc.Points,
				r3.Vector{X: u * size.X, Y: v * size.Y, Z: 0},
				r3.Vector{X: u * size.X, Y: v * size.Y, Z: size.Z},
				r3.Vector{X: u * size.X, Y: 0, Z: v * size.Z},
				r3.Vector{X: u * size.X, Y: size.Y, Z: v * size.Z},
				r3.Vector{X: 0, Y: u * size.Y, Z: v * size.Z},
				r3.Vector{X: size.X, Y: u * size.Y, Z: v * size.Z},
			)
		}
	}
	return pc
}

// AddGaussianNoise returns a copy of pc with every coordinate perturbed by zero mean noise of the
// given standard deviation.
func AddGaussianNoise(pc *PointCloud, sigma float64, seed int64) *PointCloud {
	rng := rand.New(rand.NewSource(seed))
	out := pc.Clone()
	for i, p := range out.Points {
		out.Points[i] = r3.Vector{
			X: p.X + rng.NormFloat64()*sigma,
			Y: p.Y + rng.NormFloat64()*sigma,
			Z: p.Z + rng.NormFloat64()*sigma,
		}
	}
	return out
}
