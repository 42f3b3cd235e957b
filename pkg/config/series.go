package config

import (
	"github.com/pkg/errors"
)

// ErrUnknownSeries is returned when a series is missing from the ordering
var ErrUnknownSeries = errors.New("unknown series")

// DefaultSeries is the release ordering used when ALL_DISTS is unset
var DefaultSeries = []string{
	"warty", "hoary", "breezy", "dapper", "edgy", "feisty", "gutsy",
	"hardy", "intrepid", "jaunty", "karmic", "lucid", "maverick", "natty",
	"oneiric", "precise", "quantal", "raring", "saucy",
}

// Series is a release name positioned within an ordering
type Series struct {
	Name     string
	ordering []string
	index    int
}

// LookupSeries positions name within ordering
func LookupSeries(name string, ordering []string) (Series, error) {
	for i, s := range ordering {
		if s == name {
			return Series{Name: name, ordering: ordering, index: i}, nil
		}
	}
	return Series{}, errors.Wrapf(ErrUnknownSeries, "%q", name)
}

func (s Series) String() string {
	return s.Name
}

// Compare returns -1, 0 or 1 as s sorts before, equal to or after other.
// Names absent from the ordering sort before every known series.
func (s Series) Compare(other string) int {
	idx := -1
	for i, name := range s.ordering {
		if name == other {
			idx = i
			break
		}
	}
	switch {
	case s.index < idx:
		return -1
	case s.index > idx:
		return 1
	}
	return 0
}

// Before reports s < other
func (s Series) Before(other string) bool { return s.Compare(other) < 0 }

// AtMost reports s <= other
func (s Series) AtMost(other string) bool { return s.Compare(other) <= 0 }

// AtLeast reports s >= other
func (s Series) AtLeast(other string) bool { return s.Compare(other) >= 0 }

// After reports s > other
func (s Series) After(other string) bool { return s.Compare(other) > 0 }
