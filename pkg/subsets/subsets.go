// Package subsets splits projection angles into ordered subsets for the
// ordered-subsets reconstruction sweep.
package subsets

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSubsetCount is returned when K is outside 1..A.
	ErrInvalidSubsetCount = errors.New("subsets: subset count must be between 1 and the number of angles")

	// ErrNotAPartition is returned by Validate when groups overlap or miss an angle.
	ErrNotAPartition = errors.New("subsets: schedule is not a partition of the angles")
)

// Group is one subset of angle indices
type Group struct {
	// Indices lists angle indices in acquisition order
	Indices []int
}

// Count returns the number of angles in the group
func (g Group) Count() int { return len(g.Indices) }

// Schedule is the ordered list of groups swept in one outer iteration
type Schedule struct {
	Groups []Group
	// Angles is the total number of angles the schedule covers; 0 leaves it
	// to Validate's argument
	Angles int
}

// Len returns the number of subsets
func (s Schedule) Len() int { return len(s.Groups) }

// Partition splits angles 0..numAngles-1 into numSubsets contiguous groups.
// Sizes differ by at most one; the first numAngles%numSubsets groups carry
// the extra index.
func Partition(numAngles, numSubsets int) (Schedule, error) {
	if numSubsets < 1 || numSubsets > numAngles {
		return Schedule{}, fmt.Errorf("%w: got %d subsets for %d angles", ErrInvalidSubsetCount, numSubsets, numAngles)
	}

	base := numAngles / numSubsets
	extra := numAngles % numSubsets

	groups := make([]Group, numSubsets)
	next := 0
	for i := 0; i < numSubsets; i++ {
		size := base
		if i < extra {
			size++
		}
		indices := make([]int, size)
		for j := range indices {
			indices[j] = next
			next++
		}
		groups[i] = Group{Indices: indices}
	}

	return Schedule{Groups: groups, Angles: numAngles}, nil
}

// Validate checks that every angle in 0..numAngles-1 appears in exactly one
// group and that a schedule built for a given angle count is used with it
func (s Schedule) Validate(numAngles int) error {
	if s.Angles != 0 && s.Angles != numAngles {
		return fmt.Errorf("%w: schedule is for %d angles, data has %d", ErrNotAPartition, s.Angles, numAngles)
	}
	seen := make([]bool, numAngles)
	total := 0
	for gi, g := range s.Groups {
		if g.Count() == 0 {
			return fmt.Errorf("%w: group %d is empty", ErrNotAPartition, gi)
		}
		for _, idx := range g.Indices {
			if idx < 0 || idx >= numAngles {
				return fmt.Errorf("%w: angle %d out of range in group %d", ErrNotAPartition, idx, gi)
			}
			if seen[idx] {
				return fmt.Errorf("%w: angle %d appears twice", ErrNotAPartition, idx)
			}
			seen[idx] = true
			total++
		}
	}
	if total != numAngles {
		return fmt.Errorf("%w: covers %d of %d angles", ErrNotAPartition, total, numAngles)
	}
	return nil
}
