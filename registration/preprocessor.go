package registration

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcregistration/pointcloud"
)

// Preprocessor downsamples a cloud and estimates its normals, in that order. Either step may be
// absent. It never mutates its input.
type Preprocessor struct {
	spacing     float64
	normals     bool
	radius      float64
	neighbours  int
	orientation r3.Vector
}

// NewPreprocessor builds a preprocessor from a validated configuration.
func NewPreprocessor(config PreprocessorConfig) *Preprocessor {
	p := &Preprocessor{}
	if config.Downsample != nil {
		p.spacing = config.Downsample.Spacing
	}
	if config.EstimateNormals != nil {
		est := *config.EstimateNormals
		est.applyDefaults()
		p.normals = true
		p.radius = est.Radius
		p.neighbours = est.Neighbours
		p.orientation = pointcloud.DefaultOrientation
		if len(est.Orientation) == 3 {
			p.orientation = r3.Vector{X: est.Orientation[0], Y: est.Orientation[1], Z: est.Orientation[2]}
		}
	}
	return p
}

// Apply returns the preprocessed copy of pc.
func (p *Preprocessor) Apply(ctx context.Context, pc *pointcloud.PointCloud) (*pointcloud.PointCloud, error) {
	out := pc
	if p.spacing > 0 {
		var err error
		out, err = pointcloud.VoxelDownsample(pc, p.spacing)
		if err != nil {
			return nil, errors.Wrap(err, "downsample")
		}
	}
	if p.normals {
		var err error
		out, err = pointcloud.EstimateNormals(ctx, out, p.radius, p.neighbours, p.orientation)
		if err != nil {
			return nil, errors.Wrap(err, "estimate normals")
		}
	}
	return out, nil
}

// Key is a canonical description of the effective configuration. Two preprocessors with the same key
// produce the same output for the same input.
func (p *Preprocessor) Key() string {
	var steps []string
	if p.spacing > 0 {
		steps = append(steps, fmt.Sprintf("downsample(spacing=%g)", p.spacing))
	}
	if p.normals {
		o := p.orientation
		steps = append(steps, fmt.Sprintf("estimate_normals(radius=%g,neighbours=%d,orientation=%g,%g,%g)",
			p.radius, p.neighbours, o.X, o.Y, o.Z))
	}
	if len(steps) == 0 {
		return "identity"
	}
	return strings.Join(steps, "|")
}
