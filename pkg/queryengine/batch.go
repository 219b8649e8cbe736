package queryengine

// dedup returns ids with duplicates removed, preserving first occurrence
// order — used before a Batcher.BatchGet call so a row referenced by
// multiple parent rows (a shared org, say) is fetched once.
func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
