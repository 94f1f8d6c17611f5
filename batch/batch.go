package batch

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/registration"
)

// memo holds the single materialization of a cloud.
type memo struct {
	once  sync.Once
	cloud *pointcloud.PointCloud
	err   error
}

type preprocessKey struct {
	group        int
	preprocessor string
}

// Batch owns the loaders of a collection of groups and memoizes what they load, so a cloud shared by
// many pairs is read once. The loader set is fixed at construction.
type Batch struct {
	ids     map[int]GroupID
	loaders map[int]Loader
	logger  logging.Logger

	mu           sync.Mutex
	loaded       map[int]*memo
	preprocessed map[preprocessKey]*memo
}

// NewBatch returns a batch over the given loaders. Two ids with the same key are rejected.
func NewBatch(loaders map[GroupID]Loader, logger logging.Logger) (*Batch, error) {
	b := &Batch{
		ids:          make(map[int]GroupID, len(loaders)),
		loaders:      make(map[int]Loader, len(loaders)),
		logger:       logger,
		loaded:       make(map[int]*memo),
		preprocessed: make(map[preprocessKey]*memo),
	}
	for id, loader := range loaders {
		if loader == nil {
			return nil, errors.Errorf("no loader for %v", id)
		}
		if other, ok := b.ids[id.Key]; ok {
			return nil, errors.Errorf("groups %v and %v share key %d", other, id, id.Key)
		}
		b.ids[id.Key] = id
		b.loaders[id.Key] = loader
	}
	return b, nil
}

// Keys returns the known groups in ascending key order.
func (b *Batch) Keys() []GroupID {
	return SortGroupIDs(lo.Values(b.ids))
}

// Get returns the loader of a group.
func (b *Batch) Get(id GroupID) (Loader, bool) {
	loader, ok := b.loaders[id.Key]
	return loader, ok
}

// Load returns the cloud of a group, calling its loader at most once however many callers ask
// concurrently. A load interrupted by cancellation is not memoized. Errors are *LoadError.
func (b *Batch) Load(ctx context.Context, id GroupID) (*pointcloud.PointCloud, error) {
	loader, ok := b.Get(id)
	if !ok {
		return nil, &LoadError{ID: id, Err: ErrUnknownGroup}
	}

	b.mu.Lock()
	m, ok := b.loaded[id.Key]
	if !ok {
		m = &memo{}
		b.loaded[id.Key] = m
	}
	b.mu.Unlock()

	m.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				m.cloud, m.err = nil, errors.Errorf("loader panicked: %v", r)
			}
		}()
		b.logger.Debugw("materializing group", "group", id.String())
		m.cloud, m.err = loader.Load(ctx)
		if m.err == nil && m.cloud == nil {
			m.err = errors.New("loader returned no cloud")
		}
		if m.err == nil {
			m.err = m.cloud.Validate()
		}
	})
	if m.err != nil {
		if errors.Is(m.err, context.Canceled) || errors.Is(m.err, context.DeadlineExceeded) {
			b.forget(id.Key, m)
		}
		return nil, &LoadError{ID: id, Err: m.err}
	}
	return m.cloud, nil
}

func (b *Batch) forget(key int, m *memo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded[key] == m {
		delete(b.loaded, key)
	}
}

// Release drops the memoized cloud of a group and any preprocessed copies of it. A later Load calls
// the loader again.
func (b *Batch) Release(id GroupID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.loaded, id.Key)
	for key := range b.preprocessed {
		if key.group == id.Key {
			delete(b.preprocessed, key)
		}
	}
}

// preprocess applies p to the cloud of a group once per distinct preprocessor configuration.
func (b *Batch) preprocess(
	ctx context.Context,
	id GroupID,
	p *registration.Preprocessor,
	cloud *pointcloud.PointCloud,
) (*pointcloud.PointCloud, error) {
	key := preprocessKey{group: id.Key, preprocessor: p.Key()}
	b.mu.Lock()
	m, ok := b.preprocessed[key]
	if !ok {
		m = &memo{}
		b.preprocessed[key] = m
	}
	b.mu.Unlock()

	m.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				m.cloud, m.err = nil, errors.Errorf("preprocessing panicked: %v", r)
			}
		}()
		m.cloud, m.err = p.Apply(ctx, cloud)
	})
	if m.err != nil {
		b.mu.Lock()
		if b.preprocessed[key] == m {
			delete(b.preprocessed, key)
		}
		b.mu.Unlock()
		return nil, m.err
	}
	return m.cloud, nil
}

func (b *Batch) preprocessFunc(idx Index) registration.PreprocessFunc {
	return func(ctx context.Context, role registration.CloudRole, p *registration.Preprocessor, cloud *pointcloud.PointCloud) (
		*pointcloud.PointCloud, error,
	) {
		id := idx.Target
		if role == registration.SourceCloud {
			id = idx.Source
		}
		return b.preprocess(ctx, id, p, cloud)
	}
}
