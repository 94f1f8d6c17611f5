package batch

import (
	"testing"

	"go.viam.com/test"
)

func makeIDs(keys ...int) []GroupID {
	ids := make([]GroupID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, NewGroupID(k, "visit"))
	}
	return ids
}

func TestGroupID(t *testing.T) {
	a := NewGroupID(3, "2019")
	b := NewGroupID(3, "renamed")
	test.That(t, a.Equal(b), test.ShouldBeTrue)
	test.That(t, a.Equal(NewGroupID(4, "2019")), test.ShouldBeFalse)
	test.That(t, a.String(), test.ShouldEqual, "2019(3)")
	test.That(t, SortGroupIDs(makeIDs(5, 1, 3)), test.ShouldResemble, makeIDs(1, 3, 5))
}

func TestOneWay(t *testing.T) {
	ids := makeIDs(4, 0, 2, 9, 7)
	reference := ids[2]
	indices, err := OneWay(reference, ids)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, indices, test.ShouldHaveLength, len(ids)-1)
	var sources []int
	for _, idx := range indices {
		test.That(t, idx.Target, test.ShouldEqual, reference)
		test.That(t, idx.Source.Equal(idx.Target), test.ShouldBeFalse)
		sources = append(sources, idx.Source.Key)
	}
	test.That(t, sources, test.ShouldResemble, []int{0, 4, 7, 9})

	_, err = OneWay(NewGroupID(42, "missing"), ids)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing(42)")

	_, err = OneWay(reference, makeIDs(2, 1, 1))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCascade(t *testing.T) {
	ids := makeIDs(8, 3, 5, 1)
	indices, err := Cascade(ids)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, indices, test.ShouldResemble, []Index{
		{Target: ids[0], Source: ids[1]},
		{Target: ids[1], Source: ids[2]},
		{Target: ids[2], Source: ids[3]},
	})

	for _, n := range []int{0, 1} {
		indices, err := Cascade(makeIDs(10, 11)[:n])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, indices, test.ShouldHaveLength, 0)
	}

	_, err = Cascade(makeIDs(1, 2, 1))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCascadeAll(t *testing.T) {
	ids := makeIDs(1, 2, 3, 4)
	indices, err := CascadeAll(ids)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, indices, test.ShouldHaveLength, 6)
	test.That(t, indices[0], test.ShouldResemble, Index{Target: ids[0], Source: ids[1]})
	test.That(t, indices[5], test.ShouldResemble, Index{Target: ids[2], Source: ids[3]})
	for _, idx := range indices {
		test.That(t, idx.Target.Key, test.ShouldBeLessThan, idx.Source.Key)
	}
}

func TestGenerateIndices(t *testing.T) {
	ids := makeIDs(1, 2, 3)
	for _, tc := range []struct {
		name     string
		strategy Strategy
		count    int
	}{
		{"one_way", StrategyOneWay, 2},
		{"One-Way", StrategyOneWay, 2},
		{"cascade", StrategyCascade, 2},
		{"cascade_all", StrategyCascadeAll, 3},
	} {
		strategy, err := ParseStrategy(tc.name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, strategy, test.ShouldEqual, tc.strategy)
		indices, err := GenerateIndices(strategy, ids, &ids[0])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, indices, test.ShouldHaveLength, tc.count)
	}

	_, err := ParseStrategy("star")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = GenerateIndices(StrategyOneWay, ids, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, StrategyCascadeAll.String(), test.ShouldEqual, "cascade_all")
}
