package store

import "time"

// Stats summarizes store activity.
type Stats struct {
	TotalUpdates uint64            `json:"total_updates"`
	UpdatesByKey map[string]uint64 `json:"updates_by_key"`
	UpdatesBySrc map[string]uint64 `json:"updates_by_source"`
	HistorySizes map[string]int    `json:"history_sizes"`
	Subscribers  map[string]int    `json:"subscribers"`
	Uptime       time.Duration     `json:"uptime"`
	HistoryLimit int               `json:"history_limit"`
}

func (s *Store) Stats() Stats {
	st := Stats{
		UpdatesByKey: make(map[string]uint64, numKeys),
		UpdatesBySrc: make(map[string]uint64),
		HistorySizes: make(map[string]int, numKeys),
		Subscribers:  make(map[string]int, numKeys),
		Uptime:       s.now().Sub(s.started),
	}

	for id, sl := range s.slots {
		name := KeyID(id).String()
		sl.mu.RLock()
		st.UpdatesByKey[name] = sl.updates
		st.TotalUpdates += sl.updates
		st.HistorySizes[name] = sl.size
		st.Subscribers[name] = len(sl.subs)
		st.HistoryLimit = len(sl.ring)
		sl.mu.RUnlock()
	}

	s.srcMu.Lock()
	for src, n := range s.bySource {
		st.UpdatesBySrc[src] = n
	}
	s.srcMu.Unlock()

	return st
}
