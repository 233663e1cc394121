// Package rng hands out named uniform random streams. Every random
// decision in a run draws from its own stream so that adding or removing
// one consumer does not perturb the draws seen by the others.
package rng

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/iti/rngstream"
)

// Stream is the one capability consumers need from a random source.
// *rngstream.RngStream satisfies it directly.
type Stream interface {
	RandU01() float64
}

// pcgStream is a seeded stream; identical (seed, name) pairs give identical draws
// no matter how many other streams exist in the process.
type pcgStream struct {
	src *rand.Rand
}

func (ps *pcgStream) RandU01() float64 {
	return ps.src.Float64()
}

// New returns the stream named name for a run with the given seed.
// Seed 0 selects the L'Ecuyer stream family from rngstream, whose
// streams are handed out in creation order.
func New(name string, seed uint64) Stream {
	if seed == 0 {
		return rngstream.New(name)
	}
	hsh := fnv.New64a()
	fmt.Fprintf(hsh, "%d/%s", seed, name)
	return &pcgStream{src: rand.New(rand.NewPCG(seed, hsh.Sum64()))}
}

// Uniform draws from [lo, hi)
func Uniform(strm Stream, lo, hi float64) float64 {
	return lo + (hi-lo)*strm.RandU01()
}

// ExpRV returns a sample of an exponentially distributed random number
func ExpRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// Exponential draws from an exponential distribution with the given mean
func Exponential(strm Stream, mean float64) float64 {
	return ExpRV(strm.RandU01(), 1.0/mean)
}

// Fixed replays a list of values, cycling when exhausted. Used where a
// draw sequence must be pinned.
type Fixed struct {
	Vals []float64
	idx  int
}

func (fx *Fixed) RandU01() float64 {
	if len(fx.Vals) == 0 {
		return 0.0
	}
	val := fx.Vals[fx.idx%len(fx.Vals)]
	fx.idx += 1
	return val
}
