package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Decimal units are 1000-based, IEC units and single letters are 1024-based.
var sizeUnits = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12, "PB": 1e15,
	"K": 1 << 10, "KIB": 1 << 10,
	"M": 1 << 20, "MIB": 1 << 20,
	"G": 1 << 30, "GIB": 1 << 30,
	"T": 1 << 40, "TIB": 1 << 40,
	"P": 1 << 50, "PIB": 1 << 50,
}

// ParseDataSize parses sizes such as "1GB", "1.5TiB" or a plain byte count.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MB', '1.5TiB')", sizeStr)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}
	multiplier, ok := sizeUnits[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow: %s", sizeStr)
	}
	return bytes, nil
}

// FormatDataSize formats bytes with 1024-based units.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	value := float64(bytes) / float64(div)
	suffix := []string{"KiB", "MiB", "GiB", "TiB", "PiB"}[exp]
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, suffix)
	}
	return fmt.Sprintf("%.1f %s", value, suffix)
}
