package sweep

import (
	"fmt"
	"strconv"
	"strings"
)

// This file parses the compact command-line axis syntax used by the
// sweeppreview tool: "NAME=start:stop:count" for ranges, "NAME=v1,v2,v3"
// for explicit values, and "NAME=expression" for formula axes. The HTTP API
// accepts the JSON Spec directly and never goes through these parsers.

// ParseAxisArg parses one "NAME=spec" command-line argument into an Axis.
func ParseAxisArg(s string) (Axis, error) {
	name, rest, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	rest = strings.TrimSpace(rest)
	if !ok || name == "" || rest == "" {
		return Axis{}, fmt.Errorf("invalid axis argument %q: expected NAME=spec", s)
	}

	if r, err := parseRangeSpec(rest); err == nil {
		return Axis{Name: name, Start: &r.start, Stop: &r.stop, Count: &r.count}, nil
	}
	if vals, err := ParseCSVFloat64s(rest); err == nil {
		return Axis{Name: name, Values: vals}, nil
	}
	// Anything else is treated as a formula; Expand validates it properly.
	return Axis{Name: name, Formula: rest}, nil
}

// ParseAxisArgs parses a list of "NAME=spec" arguments into a Spec.
func ParseAxisArgs(args []string, mode Mode) (Spec, error) {
	spec := Spec{Mode: mode}
	for _, arg := range args {
		axis, err := ParseAxisArg(arg)
		if err != nil {
			return Spec{}, err
		}
		spec.Axes = append(spec.Axes, axis)
	}
	return spec, nil
}

type rangeSpec struct {
	start float64
	stop  float64
	count int
}

// parseRangeSpec parses a "start:stop:count" string.
func parseRangeSpec(s string) (rangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return rangeSpec{}, fmt.Errorf("invalid range format %q: expected start:stop:count", s)
	}

	start, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return rangeSpec{}, fmt.Errorf("invalid start value %q: %w", parts[0], err)
	}

	stop, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return rangeSpec{}, fmt.Errorf("invalid stop value %q: %w", parts[1], err)
	}

	count, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return rangeSpec{}, fmt.Errorf("invalid count value %q: %w", parts[2], err)
	}

	if count < 1 {
		return rangeSpec{}, fmt.Errorf("count must be positive, got %d", count)
	}

	return rangeSpec{start: start, stop: stop, count: count}, nil
}

// ParseCSVFloat64s parses a comma-separated list of floats.
func ParseCSVFloat64s(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty value list %q", s)
	}
	return out, nil
}
