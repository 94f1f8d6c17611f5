package registration

import "math"

// RobustKernel down-weights large residuals during iterative refinement.
type RobustKernel interface {
	// Weight returns the weight of a residual in the weighted least squares step.
	Weight(residual float64) float64
}

// L2Kernel weighs every residual equally.
type L2Kernel struct{}

// Weight always returns 1.
func (L2Kernel) Weight(float64) float64 {
	return 1
}

// HuberKernel is quadratic for residuals up to K and linear beyond.
type HuberKernel struct {
	K float64
}

// Weight returns 1 inside K and K/|r| outside.
func (k HuberKernel) Weight(residual float64) float64 {
	r := math.Abs(residual)
	if r <= k.K {
		return 1
	}
	return k.K / r
}

// TukeyKernel ignores residuals larger than K entirely.
type TukeyKernel struct {
	K float64
}

// Weight returns (1-(r/K)^2)^2 inside K and 0 outside.
func (k TukeyKernel) Weight(residual float64) float64 {
	r := math.Abs(residual)
	if r > k.K {
		return 0
	}
	u := r / k.K
	w := 1 - u*u
	return w * w
}
