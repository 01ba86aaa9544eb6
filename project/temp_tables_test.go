package project

import (
	"math"
	"testing"
)

func nearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestAnalog2tempMonotonic(t *testing.T) {
	for _, name := range []string{"semitec 104gt-2", "epcos 100k", "ntcg104lh104jt1"} {
		table := Lookup_sensor(name)
		prev := table.Analog2temp(table.entries[0].Raw)
		for raw := table.entries[0].Raw + 1; raw <= table.entries[len(table.entries)-1].Raw; raw += 7 {
			cur := table.Analog2temp(raw)
			if cur > prev+1e-9 {
				t.Fatalf("%s: conversion not monotonic at raw %d: %.3f -> %.3f", name, raw, prev, cur)
			}
			prev = cur
		}
	}
}

func TestAnalog2tempSaturatesAtLastEntry(t *testing.T) {
	table := Lookup_sensor("semitec 104gt-2")
	last := table.entries[len(table.entries)-1]
	if got := table.Analog2temp(last.Raw + 500); got != last.Celsius {
		t.Fatalf("expected saturation to %.1f, got %.1f", last.Celsius, got)
	}
}

func TestTemp2rawRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		min, max float64
	}{
		{"semitec 104gt-2", 0, 300},
		{"epcos 100k", 0, 150},
		{"ntcg104lh104jt1", -20, 60},
	}
	for _, tc := range cases {
		table := Lookup_sensor(tc.name)
		for temp := tc.min; temp <= tc.max; temp += 3.5 {
			raw := table.Temp2raw(temp)
			back := table.Analog2temp(raw)
			if !nearlyEqual(back, temp, 2.0) {
				t.Fatalf("%s: round trip %.1f -> %d -> %.2f", tc.name, temp, raw, back)
			}
		}
	}
}

func TestRawThresholdDirections(t *testing.T) {
	table := Lookup_sensor("semitec 104gt-2")
	if !table.Inverted() {
		t.Fatal("NTC table must be inverted")
	}

	minRaw := table.Min_raw_threshold(10)
	maxRaw := table.Max_raw_threshold(305)

	// colder than min: raw above the min threshold
	coldRaw := table.Temp2raw(0)
	if !table.Min_exceeded(coldRaw, minRaw) {
		t.Fatalf("raw %d at 0C must exceed min threshold %d", coldRaw, minRaw)
	}
	okRaw := table.Temp2raw(25)
	if table.Min_exceeded(okRaw, minRaw) {
		t.Fatalf("raw %d at 25C must not exceed min threshold %d", okRaw, minRaw)
	}

	hotRaw := table.Temp2raw(320)
	if !table.Max_exceeded(hotRaw, maxRaw) {
		t.Fatalf("raw %d at 320C must exceed max threshold %d", hotRaw, maxRaw)
	}
	if table.Max_exceeded(okRaw, maxRaw) {
		t.Fatalf("raw %d at 25C must not exceed max threshold %d", okRaw, maxRaw)
	}
}

func TestBedOffsetCurve(t *testing.T) {
	off := &BedOffsetConfig{Offset: 10, Centre: 50, Start: 40}

	// below start: untouched
	if got := apply_bed_offset(off, 30); got != 30 {
		t.Fatalf("below start: got %.2f", got)
	}
	// first segment: half the offset spread to the centre
	if got := apply_bed_offset(off, 50); !nearlyEqual(got, 55, 1e-9) {
		t.Fatalf("at centre: got %.2f", got)
	}
	// above 100: flat full offset
	if got := apply_bed_offset(off, 110); !nearlyEqual(got, 120, 1e-9) {
		t.Fatalf("above 100: got %.2f", got)
	}
}

func TestAmpTableFormula(t *testing.T) {
	table := NewAmpTable("ad595", 0.25, 3)
	if got := table.Analog2temp(100); !nearlyEqual(got, 28, 1e-9) {
		t.Fatalf("amp conversion: got %.2f", got)
	}
}
