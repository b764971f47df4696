package config

import (
	"fmt"

	"sectiond/pkg/utils"
)

// DefaultMaxCapacity is 1GiB.
const DefaultMaxCapacity int64 = 1 << 30

// ParseCapacity converts a raw max_capacity value, a byte count or a
// human-friendly size, into bytes.
func ParseCapacity(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return DefaultMaxCapacity, nil
	case float64:
		// JSON numbers are parsed as float64
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case string:
		capacity, err := utils.ParseDataSize(v)
		if err != nil {
			return 0, fmt.Errorf("invalid max_capacity format: %w", err)
		}
		return capacity, nil
	default:
		return 0, fmt.Errorf("max_capacity must be a number or string, got %T", v)
	}
}
