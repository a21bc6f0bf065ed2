package metadata

import "github.com/pkg/errors"

// ErrUnknownAllocation is the error returned when a BlockAllocationHandle does not
// map to a live allocation within the metadata it was presented to
var ErrUnknownAllocation error = errors.New("handle does not map to a live allocation in this block")
