package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func s(v float64) *float64 { return &v }

func TestAggregate(t *testing.T) {
	cases := []struct {
		name     string
		children []*float64
		isGroup  bool
		want     *float64
	}{
		{"no children", nil, false, nil},
		{"no children any-of", nil, true, nil},
		{"all pending", []*float64{nil, nil}, false, nil},
		{"all-of single success", []*float64{s(100)}, false, s(100)},
		{"all-of partial success waits", []*float64{s(100), nil}, false, nil},
		{"all-of any failure commits", []*float64{s(40), nil}, false, s(FailScore)},
		{"all-of mixed resolved", []*float64{s(100), s(99)}, false, s(FailScore)},
		{"all-of every child succeeds", []*float64{s(100), s(120)}, false, s(100)},
		{"any-of one success", []*float64{s(0), nil, s(100)}, true, s(100)},
		{"any-of failures wait for the rest", []*float64{s(0), nil}, true, nil},
		{"any-of all fail", []*float64{s(0), s(50)}, true, s(FailScore)},
		{"any-of single failure", []*float64{s(10)}, true, s(FailScore)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Aggregate(tc.children, 100, tc.isGroup))
		})
	}
}

func TestAggregateAllOfNeverSucceedsWithAFailingChild(t *testing.T) {
	orders := [][]*float64{
		{s(100), s(100), s(20)},
		{s(20), s(100), s(100)},
		{nil, s(20), s(100)},
	}
	for _, children := range orders {
		assert.Equal(t, s(FailScore), Aggregate(children, 100, false))
	}
}

func TestAggregateUsesParentThreshold(t *testing.T) {
	assert.Equal(t, s(50), Aggregate([]*float64{s(50)}, 50, false))
	assert.Equal(t, s(FailScore), Aggregate([]*float64{s(49.5)}, 50, true))
}
