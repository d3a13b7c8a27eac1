// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	// rttWindowSize is how many of the most recent round-trip samples feed
	// the min and percentile estimates.
	rttWindowSize = 10
	// rttAlpha is the weight of a new sample in the moving average.
	rttAlpha = 0.2
	// minRTTSamples is how many samples are required before Min reports a
	// nonzero value. One sample is too noisy to gate writes on.
	minRTTSamples = 2
)

// rttMonitor tracks the observed round-trip times of one connection. The
// minimum over the recent window gates writes when a timeout budget is
// nearly exhausted.
type rttMonitor struct {
	mu      sync.Mutex
	samples []time.Duration
	average time.Duration
	total   int
}

func newRTTMonitor() *rttMonitor {
	return &rttMonitor{samples: make([]time.Duration, 0, rttWindowSize)}
}

func (r *rttMonitor) addSample(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == rttWindowSize {
		copy(r.samples, r.samples[1:])
		r.samples = r.samples[:rttWindowSize-1]
	}
	r.samples = append(r.samples, rtt)
	r.total++

	if r.total == 1 {
		r.average = rtt
		return
	}
	r.average = time.Duration(rttAlpha*float64(rtt) + (1-rttAlpha)*float64(r.average))
}

// Min returns the minimum round-trip time over the recent window, or zero
// when too few samples have been collected.
func (r *rttMonitor) Min() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) < minRTTSamples {
		return 0
	}
	min, err := stats.Min(samplesToFloats(r.samples))
	if err != nil {
		return 0
	}
	return time.Duration(min)
}

// P90 returns the 90th percentile round-trip time over the recent window.
func (r *rttMonitor) P90() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) < minRTTSamples {
		return 0
	}
	p, err := stats.Percentile(samplesToFloats(r.samples), 90)
	if err != nil {
		return 0
	}
	return time.Duration(p)
}

// EWMA returns the exponentially weighted moving average round-trip time.
func (r *rttMonitor) EWMA() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.average
}

func samplesToFloats(samples []time.Duration) []float64 {
	floats := make([]float64, len(samples))
	for i, s := range samples {
		floats[i] = float64(s)
	}
	return floats
}
