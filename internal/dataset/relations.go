package dataset

import "sort"

// ResolveRelations returns the relations needed to reach every required
// avatar from the root, parents before children. The root is always part
// of the result set even when nothing requires it.
func (d *Dataset) ResolveRelations(required []string) ([]Relation, error) {
	incoming := make(map[string]*Relation, len(d.Relations))
	for i := range d.Relations {
		r := &d.Relations[i]
		if _, ok := incoming[r.Right]; !ok && r.Right != d.Root {
			incoming[r.Right] = r
		}
	}

	need := map[string]bool{d.Root: true}
	for _, id := range required {
		if _, err := d.Avatar(id); err != nil {
			return nil, err
		}
		need[id] = true
	}

	// Pull in parents until the set is closed. Every pass adds at least one
	// avatar, so more passes than avatars means the graph is broken.
	limit := len(d.Avatars) + 1
	converged := false
	for pass := 0; pass < limit; pass++ {
		changed := false
		for _, id := range sortedKeys(need) {
			if id == d.Root {
				continue
			}
			r, ok := incoming[id]
			if !ok {
				return nil, ErrUnreachable.New(id, d.Root)
			}
			if !need[r.Left] {
				need[r.Left] = true
				changed = true
			}
		}
		if !changed {
			converged = true
			break
		}
	}
	if !converged {
		return nil, ErrRelationsDiverge.New(limit)
	}

	depth := map[string]int{d.Root: 0}
	queue := []string{d.Root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, r := range d.Relations {
			if r.Left != cur || !need[r.Right] || incoming[r.Right] == nil || incoming[r.Right].ID != r.ID {
				continue
			}
			if _, seen := depth[r.Right]; seen {
				continue
			}
			depth[r.Right] = depth[cur] + 1
			queue = append(queue, r.Right)
		}
	}

	var out []Relation
	for id := range need {
		if id == d.Root {
			continue
		}
		if _, ok := depth[id]; !ok {
			return nil, ErrUnreachable.New(id, d.Root)
		}
		out = append(out, *incoming[id])
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := depth[out[i].Right], depth[out[j].Right]
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
