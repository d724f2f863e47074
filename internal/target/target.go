// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package target parses CBF target strings and formats sexagesimal
// coordinates, the pieces spec.md §4.2 step 1 and original_source's
// coordinator/util.py name explicitly.
package target

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Target is a parsed telescope pointing.
type Target struct {
	Name string  // truncated to 16 chars, disallowed punctuation replaced with '_'
	RA   float64 // decimal hours
	Dec  float64 // decimal degrees
}

var disallowedPunct = regexp.MustCompile(`[^A-Za-z0-9_+-]`)

// Parse parses a CBF-form target string:
// "<name>|<alias>|...,radec,<ra>,<dec>".
//
// Name is truncated to 16 characters and any character other than
// letters, digits, '_', '+', '-' is replaced with '_'. RA and Dec are
// parsed as either decimal degrees/hours or sexagesimal
// "hh:mm:ss.ss"/"dd:mm:ss.ss" strings.
func Parse(s string) (Target, error) {
	fields := strings.Split(s, ",")
	if len(fields) < 4 {
		return Target{}, fmt.Errorf("target: malformed target string %q", s)
	}

	tag := strings.TrimSpace(fields[1])
	if tag != "radec" {
		return Target{}, fmt.Errorf("target: unsupported target tag %q", tag)
	}

	namePart := fields[0]
	name := strings.Split(namePart, "|")[0]
	name = disallowedPunct.ReplaceAllString(name, "_")
	if len(name) > 16 {
		name = name[:16]
	}

	ra, err := parseCoord(strings.TrimSpace(fields[2]), 24)
	if err != nil {
		return Target{}, fmt.Errorf("target: bad RA in %q: %w", s, err)
	}
	dec, err := parseCoord(strings.TrimSpace(fields[3]), 360)
	if err != nil {
		return Target{}, fmt.Errorf("target: bad Dec in %q: %w", s, err)
	}

	return Target{Name: name, RA: ra, Dec: dec}, nil
}

// parseCoord parses either a bare decimal number or a sexagesimal
// "±dd:mm:ss.ss" string into a decimal value. modulus is informational
// only (24 for RA hours, 360 for Dec degrees) and is not enforced.
func parseCoord(s string, _ float64) (float64, error) {
	if !strings.Contains(s, ":") {
		return strconv.ParseFloat(s, 64)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("expected d:m:s, got %q", s)
	}
	d, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}

	val := d + m/60 + sec/3600
	if neg {
		val = -val
	}
	return val, nil
}

// RAString renders RA (decimal hours) as sexagesimal "hh:mm:ss.ss".
func RAString(ra float64) string {
	return sexagesimal(ra, false)
}

// DecString renders Dec (decimal degrees) as signed sexagesimal
// "±dd:mm:ss.ss".
func DecString(dec float64) string {
	return sexagesimal(dec, true)
}

func sexagesimal(val float64, signed bool) string {
	sign := ""
	if signed {
		if val < 0 {
			sign = "-"
		} else {
			sign = "+"
		}
	}
	val = math.Abs(val)

	whole := math.Floor(val)
	frac := (val - whole) * 60
	minutes := math.Floor(frac)
	seconds := (frac - minutes) * 60

	return fmt.Sprintf("%s%02d:%02d:%05.2f", sign, int(whole), int(minutes), seconds)
}
