package netsim

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rateUnits are the suffixes accepted by ParseDataRate, longest first so that
// "Mbps" is tried before "bps"
var rateUnits = []struct {
	suffix string
	scale  float64
}{
	{"Gbps", 1e9}, {"Mbps", 1e6}, {"kbps", 1e3}, {"Kbps", 1e3}, {"bps", 1},
	{"GB/s", 8e9}, {"MB/s", 8e6}, {"kB/s", 8e3}, {"KB/s", 8e3}, {"B/s", 8},
}

// ParseDataRate converts strings like "5Mbps" or "100kbps" to bits per second.
// A bare number is taken as bits per second.
func ParseDataRate(rate string) (float64, error) {
	rate = strings.TrimSpace(rate)
	for _, unit := range rateUnits {
		if strings.HasSuffix(rate, unit.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(rate, unit.suffix))
			value, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("data rate %q: %w", rate, err)
			}
			return value * unit.scale, nil
		}
	}
	value, err := strconv.ParseFloat(rate, 64)
	if err != nil {
		return 0, fmt.Errorf("data rate %q has no recognized unit", rate)
	}
	return value, nil
}

// FormatDataRate is the inverse of ParseDataRate for display
func FormatDataRate(bps float64) string {
	switch {
	case bps >= 1e9:
		return strconv.FormatFloat(bps/1e9, 'f', -1, 64) + "Gbps"
	case bps >= 1e6:
		return strconv.FormatFloat(bps/1e6, 'f', -1, 64) + "Mbps"
	case bps >= 1e3:
		return strconv.FormatFloat(bps/1e3, 'f', -1, 64) + "kbps"
	}
	return strconv.FormatFloat(bps, 'f', -1, 64) + "bps"
}

// ParseDelay accepts Go durations ("5ms") or a bare number of seconds
func ParseDelay(delay string) (float64, error) {
	delay = strings.TrimSpace(delay)
	if secs, err := strconv.ParseFloat(delay, 64); err == nil {
		return secs, nil
	}
	dur, err := time.ParseDuration(delay)
	if err != nil {
		return 0, fmt.Errorf("delay %q: %w", delay, err)
	}
	return dur.Seconds(), nil
}

// ParseQueueSize accepts a packet count with an optional "p" suffix, e.g. "100p"
func ParseQueueSize(qsize string) (int, error) {
	num := strings.TrimSuffix(strings.TrimSpace(qsize), "p")
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("queue size %q is not a packet count", qsize)
	}
	return n, nil
}
