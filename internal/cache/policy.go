package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Policy bounds the cache after each link. Zero fields are unbounded.
type Policy struct {
	// Interval is the minimum time between two prunes. Zero prunes every time.
	Interval time.Duration
	// MaxAge removes entries not used for longer than this.
	MaxAge time.Duration
	// MaxBytes bounds the total size of all entries.
	MaxBytes int64
	// MaxFiles bounds the number of entries.
	MaxFiles int
}

// IsZero reports whether the policy imposes no bound at all.
func (p Policy) IsZero() bool {
	return p.MaxAge == 0 && p.MaxBytes == 0 && p.MaxFiles == 0
}

func (p Policy) String() string {
	var parts []string
	if p.Interval > 0 {
		parts = append(parts, "prune_interval="+p.Interval.String())
	}
	if p.MaxAge > 0 {
		parts = append(parts, "prune_after="+p.MaxAge.String())
	}
	if p.MaxBytes > 0 {
		parts = append(parts, "cache_size_bytes="+strconv.FormatInt(p.MaxBytes, 10))
	}
	if p.MaxFiles > 0 {
		parts = append(parts, "cache_size_files="+strconv.Itoa(p.MaxFiles))
	}
	return strings.Join(parts, ":")
}

// ParsePolicy parses a colon separated list of key=value pairs:
//
//	prune_interval=20m:prune_after=168h:cache_size_bytes=2g:cache_size_files=1000
//
// Byte sizes accept a k, m or g suffix.
func ParsePolicy(s string) (Policy, error) {
	var p Policy
	if strings.TrimSpace(s) == "" {
		return p, nil
	}

	for _, field := range strings.Split(s, ":") {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return Policy{}, fmt.Errorf("malformed cache policy segment %q", field)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		var err error
		switch key {
		case "prune_interval":
			p.Interval, err = parseDuration(val)
		case "prune_after":
			p.MaxAge, err = parseDuration(val)
		case "cache_size_bytes":
			p.MaxBytes, err = parseBytes(val)
		case "cache_size_files":
			p.MaxFiles, err = strconv.Atoi(val)
			if err == nil && p.MaxFiles < 0 {
				err = fmt.Errorf("negative count")
			}
		case "cache_size":
			err = fmt.Errorf("percentage sizes are not supported, use cache_size_bytes")
		default:
			return Policy{}, fmt.Errorf("unknown cache policy key %q", key)
		}
		if err != nil {
			return Policy{}, fmt.Errorf("cache policy %s=%q: %w", key, val, err)
		}
	}
	return p, nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

func parseBytes(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "g"), strings.HasSuffix(s, "G"):
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return n * mult, nil
}
