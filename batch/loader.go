package batch

import (
	"context"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/pointcloud"
)

// A Loader materializes the point cloud of one group. Loading may block on storage and must be safe
// to repeat.
type Loader interface {
	Load(ctx context.Context) (*pointcloud.PointCloud, error)
}

// LoaderFunc adapts a function to a Loader.
type LoaderFunc func(ctx context.Context) (*pointcloud.PointCloud, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context) (*pointcloud.PointCloud, error) {
	return f(ctx)
}

// NewFileLoader returns a loader reading a .pcd, .las or .ply file.
func NewFileLoader(path string, logger logging.Logger) Loader {
	return LoaderFunc(func(ctx context.Context) (*pointcloud.PointCloud, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Debugw("loading point cloud", "path", path)
		return pointcloud.NewFromFile(path, logger)
	})
}
