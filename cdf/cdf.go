// Package cdf holds empirical cumulative distributions read from text
// files and the inverse-transform sampler that draws message sizes from them.
package cdf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/iti/trafgen/rng"
)

// Point is one row of a distribution: P(X <= Value) = Prob
type Point struct {
	Value float64
	Prob  float64
}

// Distribution is an ordered table of points with strictly increasing
// cumulative probabilities ending at 1.0. It is never mutated after load.
type Distribution struct {
	Name   string
	Points []Point
}

// MalformedDistributionError reports why a distribution file was rejected
type MalformedDistributionError struct {
	Source string
	Line   int
	Reason string
}

func (mde *MalformedDistributionError) Error() string {
	if mde.Line > 0 {
		return fmt.Sprintf("malformed distribution %s line %d: %s", mde.Source, mde.Line, mde.Reason)
	}
	return fmt.Sprintf("malformed distribution %s: %s", mde.Source, mde.Reason)
}

// Load reads the distribution file at filename
func Load(filename string) (*Distribution, error) {
	fd, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return Parse(fd, filename)
}

// Parse reads 'value probability' rows, separated by whitespace or a comma.
// Blank lines and lines starting with '#' are ignored.
func Parse(rdr io.Reader, name string) (*Distribution, error) {
	dist := &Distribution{Name: name, Points: make([]Point, 0)}
	malformed := func(line int, format string, args ...any) error {
		return &MalformedDistributionError{Source: name, Line: line, Reason: fmt.Sprintf(format, args...)}
	}

	scanner := bufio.NewScanner(rdr)
	lineNo := 0
	for scanner.Scan() {
		lineNo += 1
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if len(fields) != 2 {
			return nil, malformed(lineNo, "expected 2 fields, found %d", len(fields))
		}
		value, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, malformed(lineNo, "value %q is not a number", fields[0])
		}
		prob, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, malformed(lineNo, "probability %q is not a number", fields[1])
		}
		if value < 0 {
			return nil, malformed(lineNo, "negative value %v", value)
		}
		if prob < 0 || prob > 1 {
			return nil, malformed(lineNo, "probability %v outside [0,1]", prob)
		}
		if n := len(dist.Points); n > 0 {
			prev := dist.Points[n-1]
			if value < prev.Value {
				return nil, malformed(lineNo, "value %v below preceding value %v", value, prev.Value)
			}
			if prob <= prev.Prob {
				return nil, malformed(lineNo, "probability %v does not increase past %v", prob, prev.Prob)
			}
		}
		dist.Points = append(dist.Points, Point{Value: value, Prob: prob})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(dist.Points) == 0 {
		return nil, malformed(0, "no entries")
	}
	last := dist.Points[len(dist.Points)-1].Prob
	if last == 0 {
		return nil, malformed(0, "final probability is 0")
	}

	// scale so the final entry is exactly 1
	if last != 1.0 {
		for idx := range dist.Points {
			dist.Points[idx].Prob /= last
		}
		dist.Points[len(dist.Points)-1].Prob = 1.0
	}
	return dist, nil
}

// Sample maps u in [0,1) to the value of the smallest entry whose cumulative
// probability is at least u. Past the table it returns the last value.
func (dist *Distribution) Sample(u float64) float64 {
	idx := sort.Search(len(dist.Points), func(i int) bool {
		return dist.Points[i].Prob >= u
	})
	if idx == len(dist.Points) {
		idx -= 1
	}
	return dist.Points[idx].Value
}

// Mean is the expected value of the table's discrete distribution
func (dist *Distribution) Mean() float64 {
	mean := 0.0
	prev := 0.0
	for _, pt := range dist.Points {
		mean += pt.Value * (pt.Prob - prev)
		prev = pt.Prob
	}
	return mean
}

// Min and Max bound every value Sample can return
func (dist *Distribution) Min() float64 {
	return dist.Points[0].Value
}

func (dist *Distribution) Max() float64 {
	return dist.Points[len(dist.Points)-1].Value
}

// Sampler pairs a shared distribution with a private stream
type Sampler struct {
	Dist *Distribution
	strm rng.Stream
}

// CreateSampler is a constructor
func CreateSampler(dist *Distribution, strm rng.Stream) *Sampler {
	smplr := new(Sampler)
	smplr.Dist = dist
	smplr.strm = strm
	return smplr
}

// Next draws the next value
func (smplr *Sampler) Next() float64 {
	return smplr.Dist.Sample(smplr.strm.RandU01())
}

// Cache loads each distribution file once and shares the result
type Cache struct {
	mu    sync.Mutex
	dists map[string]*Distribution
}

// CreateCache is a constructor
func CreateCache() *Cache {
	return &Cache{dists: make(map[string]*Distribution)}
}

// Get returns the distribution stored in filename, loading it on first use
func (cache *Cache) Get(filename string) (*Distribution, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	dist, present := cache.dists[filename]
	if present {
		return dist, nil
	}
	dist, err := Load(filename)
	if err != nil {
		return nil, err
	}
	cache.dists[filename] = dist
	return dist, nil
}
