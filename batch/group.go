// Package batch registers many pairs of point clouds drawn from a collection of lazily loaded groups.
package batch

import (
	"fmt"
	"sort"
)

// GroupID identifies one point cloud bearing unit, such as one survey visit. Identity is the key alone;
// the label is for humans.
type GroupID struct {
	Key   int
	Label string
}

// NewGroupID returns the id with the given key and label.
func NewGroupID(key int, label string) GroupID {
	return GroupID{Key: key, Label: label}
}

// Equal reports whether both ids have the same key.
func (g GroupID) Equal(other GroupID) bool {
	return g.Key == other.Key
}

func (g GroupID) String() string {
	return fmt.Sprintf("%s(%d)", g.Label, g.Key)
}

// SortGroupIDs returns a copy of ids in ascending key order.
func SortGroupIDs(ids []GroupID) []GroupID {
	out := append([]GroupID(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// Index is an ordered pair of groups: the source is aligned onto the target.
type Index struct {
	Target GroupID
	Source GroupID
}

func (i Index) String() string {
	return fmt.Sprintf("%v <- %v", i.Target, i.Source)
}
