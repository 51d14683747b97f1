package relevo

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector feeds the periodic stats log line. Prometheus gets the
// per-route detail; this keeps a cheap running summary of response sizes.
type statsCollector struct {
	cacheResponses   atomic.Uint64
	networkResponses atomic.Uint64
	totalRespBytes   atomic.Uint64
	minRespBytes     atomic.Uint64
	maxRespBytes     atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int, fromCache bool) {
	if s == nil {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	if fromCache {
		s.cacheResponses.Add(1)
	} else {
		s.networkResponses.Add(1)
	}
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	CacheResponses   uint64
	NetworkResponses uint64
	TotalRespBytes   uint64
	MinRespBytes     uint64
	MaxRespBytes     uint64
	AvgRespBytes     uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	hits := s.cacheResponses.Load()
	net := s.networkResponses.Load()
	count := hits + net
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		CacheResponses:   hits,
		NetworkResponses: net,
		TotalRespBytes:   total,
		MinRespBytes:     minv,
		MaxRespBytes:     s.maxRespBytes.Load(),
		AvgRespBytes:     total / count,
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
