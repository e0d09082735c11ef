package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPart = regexp.MustCompile(`(\d+)([dhms])`)

// ParseDuration parses a duration string supporting standard Go durations and
// a day unit. Examples: "5m", "1h30m", "2d", "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	input := strings.TrimSpace(s)
	if input == "" {
		return 0, fmt.Errorf("duration is empty")
	}

	if d, err := time.ParseDuration(input); err == nil {
		return d, nil
	}

	matches := durationPart.FindAllStringSubmatchIndex(input, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("invalid duration: %s", input)
	}

	consumed := 0
	var total time.Duration
	for _, m := range matches {
		consumed += m[1] - m[0]
		n, err := strconv.ParseInt(input[m[2]:m[3]], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", input)
		}
		switch input[m[4]:m[5]] {
		case "d":
			total += 24 * time.Hour * time.Duration(n)
		case "h":
			total += time.Hour * time.Duration(n)
		case "m":
			total += time.Minute * time.Duration(n)
		case "s":
			total += time.Second * time.Duration(n)
		}
	}

	if consumed != len(input) {
		return 0, fmt.Errorf("invalid duration: %s", input)
	}
	return total, nil
}

// ParseSince turns a relative duration ("2h", "1d") or an absolute timestamp
// into the earliest time it refers to.
func ParseSince(s string, now time.Time) (time.Time, error) {
	input := strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, input); err == nil {
			return t, nil
		}
	}

	d, err := ParseDuration(input)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}
