package ddl

// OrderTables sorts tables so that every table comes after the tables it
// references. deps maps a table to the tables its foreign keys point at;
// references outside tables are ignored.
//
// The sort is stable: among tables whose dependencies are satisfied the
// declared order wins. When a cycle leaves no such table, the first
// remaining table in declared order is taken and its foreign keys end up
// deferred.
func OrderTables(tables []string, deps map[string][]string) []string {
	inRun := make(map[string]bool, len(tables))
	unique := tables[:0:0]
	for _, t := range tables {
		if !inRun[t] {
			unique = append(unique, t)
		}
		inRun[t] = true
	}
	tables = unique

	placed := make(map[string]bool, len(tables))
	out := make([]string, 0, len(tables))

	ready := func(t string) bool {
		for _, d := range deps[t] {
			if d != t && inRun[d] && !placed[d] {
				return false
			}
		}
		return true
	}

	for len(out) < len(tables) {
		next := ""
		for _, t := range tables {
			if !placed[t] && ready(t) {
				next = t
				break
			}
		}
		if next == "" {
			for _, t := range tables {
				if !placed[t] {
					next = t
					break
				}
			}
		}
		placed[next] = true
		out = append(out, next)
	}
	return out
}
