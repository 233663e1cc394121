package disturb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iti/trafgen/cdf"
	"github.com/iti/trafgen/rng"
)

// Var is a random duration, in seconds
type Var interface {
	Draw(strm rng.Stream) float64
	Mean() float64
	String() string
}

// Constant always draws the same value
type Constant struct {
	Value float64
}

func (cv Constant) Draw(strm rng.Stream) float64 { return cv.Value }
func (cv Constant) Mean() float64                { return cv.Value }
func (cv Constant) String() string {
	return "constant:" + strconv.FormatFloat(cv.Value, 'f', -1, 64)
}

// Uniform draws from [Min, Max)
type Uniform struct {
	Min, Max float64
}

func (uv Uniform) Draw(strm rng.Stream) float64 { return rng.Uniform(strm, uv.Min, uv.Max) }
func (uv Uniform) Mean() float64                { return (uv.Min + uv.Max) / 2.0 }
func (uv Uniform) String() string {
	return "uniform:" + strconv.FormatFloat(uv.Min, 'f', -1, 64) + "," + strconv.FormatFloat(uv.Max, 'f', -1, 64)
}

type Exponential struct {
	MeanVal float64
}

func (ev Exponential) Draw(strm rng.Stream) float64 { return rng.Exponential(strm, ev.MeanVal) }
func (ev Exponential) Mean() float64                { return ev.MeanVal }
func (ev Exponential) String() string {
	return "exponential:" + strconv.FormatFloat(ev.MeanVal, 'f', -1, 64)
}

// Empirical draws durations from a distribution table
type Empirical struct {
	Dist *cdf.Distribution
}

func (emp Empirical) Draw(strm rng.Stream) float64 { return emp.Dist.Sample(strm.RandU01()) }
func (emp Empirical) Mean() float64                { return emp.Dist.Mean() }
func (emp Empirical) String() string               { return "cdf:" + emp.Dist.Name }

// ParseVar reads "constant:v", "uniform:lo,hi", "exponential:mean",
// "cdf:path" or a bare number. Distribution files are loaded through
// cache when one is given.
func ParseVar(desc string, cache *cdf.Cache) (Var, error) {
	desc = strings.TrimSpace(desc)
	kind, arg, found := strings.Cut(desc, ":")
	if !found {
		val, err := strconv.ParseFloat(desc, 64)
		if err != nil {
			return nil, fmt.Errorf("random variable %q: %w", desc, err)
		}
		return Constant{Value: val}, nil
	}

	switch strings.ToLower(kind) {
	case "constant", "const":
		val, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("random variable %q: %w", desc, err)
		}
		return Constant{Value: val}, nil
	case "uniform":
		loStr, hiStr, found := strings.Cut(arg, ",")
		if !found {
			return nil, fmt.Errorf("random variable %q needs two bounds", desc)
		}
		lo, err := strconv.ParseFloat(strings.TrimSpace(loStr), 64)
		if err != nil {
			return nil, fmt.Errorf("random variable %q: %w", desc, err)
		}
		hi, err := strconv.ParseFloat(strings.TrimSpace(hiStr), 64)
		if err != nil {
			return nil, fmt.Errorf("random variable %q: %w", desc, err)
		}
		if hi < lo {
			return nil, fmt.Errorf("random variable %q has max below min", desc)
		}
		return Uniform{Min: lo, Max: hi}, nil
	case "exponential", "exp":
		mean, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("random variable %q: %w", desc, err)
		}
		return Exponential{MeanVal: mean}, nil
	case "cdf":
		var dist *cdf.Distribution
		var err error
		if cache != nil {
			dist, err = cache.Get(arg)
		} else {
			dist, err = cdf.Load(arg)
		}
		if err != nil {
			return nil, err
		}
		return Empirical{Dist: dist}, nil
	}
	return nil, fmt.Errorf("random variable %q has unknown kind %q", desc, kind)
}
