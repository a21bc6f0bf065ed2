package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// FragmentationRatio describes how scattered a set of free regions is: 0 when
// all free space is one contiguous region, trending toward 1 as the largest
// region shrinks relative to the total. Zero free space counts as unfragmented.
func FragmentationRatio(largestFreeRegion, totalFreeSize int) float64 {
	if totalFreeSize <= 0 || largestFreeRegion >= totalFreeSize {
		return 0
	}
	return 1.0 - float64(largestFreeRegion)/float64(totalFreeSize)
}

// BytesToMB converts a byte count to fractional megabytes for use in
// size-scaled scoring heuristics.
func BytesToMB(bytes int) float64 {
	return float64(bytes) / (1024.0 * 1024.0)
}
