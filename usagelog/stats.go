package usagelog

import "sort"

// SortRanked orders by tokens descending, then request count descending,
// then id ascending.
func SortRanked(rs []Ranked) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].TokensConsumed != rs[j].TokensConsumed {
			return rs[i].TokensConsumed > rs[j].TokensConsumed
		}
		if rs[i].RequestCount != rs[j].RequestCount {
			return rs[i].RequestCount > rs[j].RequestCount
		}
		return rs[i].ID < rs[j].ID
	})
}

// Top sorts rs and truncates it to n entries.
func Top(rs []Ranked, n int) []Ranked {
	SortRanked(rs)
	if n >= 0 && len(rs) > n {
		rs = rs[:n]
	}
	return rs
}

// Summarize aggregates entries in memory. Backends without server-side
// grouping use it.
func Summarize(entries []*Entry, topN int) *Stats {
	users := make(map[string]*Ranked)
	tools := make(map[string]*Ranked)
	stats := &Stats{}

	for _, e := range entries {
		stats.TotalRequests++
		stats.TotalTokensConsumed += e.Consumed
		bump(users, e.UserID, e.Consumed)
		bump(tools, e.ToolID, e.Consumed)
	}

	stats.UniqueUsers = int64(len(users))
	stats.UniqueTools = int64(len(tools))
	stats.TopUsers = Top(flatten(users), topN)
	stats.TopTools = Top(flatten(tools), topN)
	return stats
}

func bump(m map[string]*Ranked, key string, tokens int64) {
	r, ok := m[key]
	if !ok {
		r = &Ranked{ID: key}
		m[key] = r
	}
	r.RequestCount++
	r.TokensConsumed += tokens
}

func flatten(m map[string]*Ranked) []Ranked {
	out := make([]Ranked, 0, len(m))
	for _, r := range m {
		out = append(out, *r)
	}
	return out
}
