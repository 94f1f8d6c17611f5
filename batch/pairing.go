package batch

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/pcregistration/utils"
)

// Strategy selects which pairs of groups a batch registers.
type Strategy int

const (
	// StrategyOneWay aligns every group directly onto a reference group.
	StrategyOneWay Strategy = iota
	// StrategyCascade aligns every group onto its predecessor.
	StrategyCascade
	// StrategyCascadeAll aligns every group onto each group before it.
	StrategyCascadeAll
)

func (s Strategy) String() string {
	switch s {
	case StrategyOneWay:
		return "one_way"
	case StrategyCascade:
		return "cascade"
	case StrategyCascadeAll:
		return "cascade_all"
	}
	return "unknown"
}

// ParseStrategy maps a strategy name to its Strategy. Dashes and underscores are interchangeable.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ReplaceAll(strings.ToLower(name), "-", "_") {
	case "one_way":
		return StrategyOneWay, nil
	case "cascade":
		return StrategyCascade, nil
	case "cascade_all":
		return StrategyCascadeAll, nil
	}
	return 0, errors.Errorf("unknown pairing strategy %q", name)
}

// GenerateIndices returns the pairs of a strategy. reference is only used by StrategyOneWay, where it
// is required.
func GenerateIndices(strategy Strategy, ids []GroupID, reference *GroupID) ([]Index, error) {
	switch strategy {
	case StrategyOneWay:
		if reference == nil {
			return nil, errors.New("one way pairing needs a reference group")
		}
		return OneWay(*reference, ids)
	case StrategyCascade:
		return Cascade(ids)
	case StrategyCascadeAll:
		return CascadeAll(ids)
	}
	return nil, errors.Errorf("unknown pairing strategy %d", int(strategy))
}

func checkDistinct(ids []GroupID) error {
	duplicates := lo.FindDuplicatesBy(ids, func(id GroupID) int {
		return id.Key
	})
	if len(duplicates) > 0 {
		return errors.Errorf("duplicate groups %v", duplicates)
	}
	return nil
}

// OneWay pairs the reference, as target, with every other group in ascending key order.
func OneWay(reference GroupID, ids []GroupID) ([]Index, error) {
	if err := checkDistinct(ids); err != nil {
		return nil, err
	}
	others := lo.Filter(ids, func(id GroupID, _ int) bool {
		return !id.Equal(reference)
	})
	if len(others) == len(ids) {
		return nil, errors.Errorf("reference %v is not among the groups", reference)
	}
	return lo.Map(SortGroupIDs(others), func(id GroupID, _ int) Index {
		return Index{Target: reference, Source: id}
	}), nil
}

// Cascade pairs each group, as source, with the group before it in the given order.
func Cascade(ids []GroupID) ([]Index, error) {
	if err := checkDistinct(ids); err != nil {
		return nil, err
	}
	indices := make([]Index, 0, utils.MaxInt(len(ids)-1, 0))
	for i := 0; i+1 < len(ids); i++ {
		indices = append(indices, Index{Target: ids[i], Source: ids[i+1]})
	}
	return indices, nil
}

// CascadeAll pairs each group, as source, with every group before it in the given order.
func CascadeAll(ids []GroupID) ([]Index, error) {
	if err := checkDistinct(ids); err != nil {
		return nil, err
	}
	var indices []Index
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			indices = append(indices, Index{Target: ids[i], Source: ids[j]})
		}
	}
	return indices, nil
}
