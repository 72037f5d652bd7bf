// Package scangate decides whether a lidar revolution is complete enough to feed the estimator,
// falling back to the last adequate scan when it is not.
package scangate

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/viam-modules/viam-odomslam/sensors"
)

var (
	// ErrInadequateScan denotes that a scan was too sparse and no earlier scan is cached.
	ErrInadequateScan = errors.New("scan has too few samples and no fallback scan is cached")
	// ErrStaleFallback denotes that the cached scan has been reused more times than allowed.
	ErrStaleFallback = errors.New("fallback scan has been reused too many times")
)

// ValidatedScan is a scan split into parallel distance (mm) and angle (degrees) lists.
type ValidatedScan struct {
	Distances []float64
	Angles    []float64
}

// Len returns the number of samples in the scan.
func (vs ValidatedScan) Len() int {
	return len(vs.Distances)
}

func (vs ValidatedScan) clone() ValidatedScan {
	return ValidatedScan{
		Distances: append([]float64(nil), vs.Distances...),
		Angles:    append([]float64(nil), vs.Angles...),
	}
}

// FallbackCache holds the last adequate scan. The zero value is empty.
type FallbackCache struct {
	scan  ValidatedScan
	valid bool
}

// Empty reports whether no adequate scan has been seen yet.
func (fc FallbackCache) Empty() bool {
	return !fc.valid
}

// Scan returns a copy of the cached scan.
func (fc FallbackCache) Scan() ValidatedScan {
	return fc.scan.clone()
}

// Selection is the result of gating one scan.
type Selection struct {
	Scan         ValidatedScan
	UsedFallback bool
	Cache        FallbackCache
}

// SelectScan returns raw as a ValidatedScan when it has more than minSamples samples, replacing
// the cache with it. Otherwise the cached scan is returned. With nothing cached it returns
// ErrInadequateScan and the cache unchanged.
func SelectScan(raw []sensors.ScanSample, minSamples int, cache FallbackCache) (Selection, error) {
	if len(raw) > minSamples {
		scan := ValidatedScan{
			Distances: make([]float64, len(raw)),
			Angles:    make([]float64, len(raw)),
		}
		for i, sample := range raw {
			scan.Distances[i] = sample.Distance
			scan.Angles[i] = sample.AngleDegrees
		}
		return Selection{
			Scan:  scan,
			Cache: FallbackCache{scan: scan.clone(), valid: true},
		}, nil
	}

	if cache.Empty() {
		return Selection{Cache: cache}, ErrInadequateScan
	}
	return Selection{Scan: cache.Scan(), UsedFallback: true, Cache: cache}, nil
}

// Gate owns the fallback cache used across cycles of the fusion loop.
type Gate struct {
	minSamples        int
	maxFallbackCycles int

	mu                sync.Mutex
	cache             FallbackCache
	consecutiveReuses int
}

// NewGate returns a gate accepting scans with more than minSamples samples. A maxFallbackCycles
// of 0 lets the cached scan be reused indefinitely.
func NewGate(minSamples, maxFallbackCycles int) *Gate {
	return &Gate{minSamples: minSamples, maxFallbackCycles: maxFallbackCycles}
}

// Select gates raw and updates the cache. ErrStaleFallback is returned once the cached scan
// has been reused more than maxFallbackCycles times in a row. The cache is kept so a later
// adequate scan resumes normally.
func (g *Gate) Select(raw []sensors.ScanSample) (Selection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	selection, err := SelectScan(raw, g.minSamples, g.cache)
	if err != nil {
		return selection, err
	}
	g.cache = selection.Cache

	if !selection.UsedFallback {
		g.consecutiveReuses = 0
		return selection, nil
	}

	g.consecutiveReuses++
	if g.maxFallbackCycles > 0 && g.consecutiveReuses > g.maxFallbackCycles {
		return Selection{Cache: g.cache}, errors.Wrapf(ErrStaleFallback,
			"reused %d times, limit is %d", g.consecutiveReuses, g.maxFallbackCycles)
	}
	return selection, nil
}

// ConsecutiveReuses returns how many cycles in a row the cached scan has been used.
func (g *Gate) ConsecutiveReuses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveReuses
}

// Cache returns the current fallback cache.
func (g *Gate) Cache() FallbackCache {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache
}
