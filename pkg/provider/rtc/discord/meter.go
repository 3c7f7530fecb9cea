package discord

import "sync"

// meter accumulates the loudest frame level per SSRC between two volume
// reports.
type meter struct {
	mu     sync.Mutex
	levels map[uint32]float64
}

func newMeter() *meter {
	return &meter{levels: make(map[uint32]float64)}
}

// observe records one frame level for ssrc, keeping the peak.
func (m *meter) observe(ssrc uint32, level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.levels[ssrc]; !ok || level > cur {
		m.levels[ssrc] = level
	}
}

// drain returns the accumulated peaks and starts a new window.
func (m *meter) drain() map[uint32]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.levels
	m.levels = make(map[uint32]float64, len(out))
	return out
}
