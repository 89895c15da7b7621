package dedup

// Group buckets items by key, keeping buckets in first-seen order and items in
// input order within each bucket.
func Group[T any](items []T, key func(T) string) [][]T {
	index := make(map[string]int)
	var groups [][]T
	for _, it := range items {
		k := key(it)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], it)
	}
	return groups
}

// Pair links two keys that belong to the same cluster.
type Pair struct {
	A, B string
}

// Cluster groups keys into connected components using union-find over pairs.
// Singletons are omitted. Components and their members follow the order of keys;
// repeated keys count once.
func Cluster(keys []string, pairs []Pair) [][]string {
	if len(pairs) == 0 {
		return nil
	}

	parent := make(map[string]string, len(keys))
	for _, k := range keys {
		parent[k] = k
	}
	for _, p := range pairs {
		if _, ok := parent[p.A]; !ok {
			parent[p.A] = p.A
		}
		if _, ok := parent[p.B]; !ok {
			parent[p.B] = p.B
		}
	}

	var find func(string) string
	find = func(k string) string {
		if parent[k] != k {
			parent[k] = find(parent[k]) // path compression
		}
		return parent[k]
	}
	for _, p := range pairs {
		ra, rb := find(p.A), find(p.B)
		if ra != rb {
			parent[rb] = ra
		}
	}

	var order []string
	seen := make(map[string]bool, len(parent))
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}
	for _, k := range keys {
		add(k)
	}
	for _, p := range pairs {
		add(p.A)
		add(p.B)
	}

	groups := Group(order, find)
	var clusters [][]string
	for _, g := range groups {
		if len(g) > 1 {
			clusters = append(clusters, g)
		}
	}
	return clusters
}
