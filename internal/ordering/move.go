// Package ordering holds the per-protocol channel order and the pure list
// primitives used to rearrange it.
package ordering

// MoveBefore removes fromID and reinserts it at the index toID occupied before
// the removal. The input is never modified. When fromID equals toID, either id
// is absent, or the move would not change the list, the input slice itself is
// returned.
func MoveBefore(list []string, fromID, toID string) []string {
	if fromID == toID {
		return list
	}
	from, to := indexOf(list, fromID), indexOf(list, toID)
	if from < 0 || to < 0 {
		return list
	}
	out := make([]string, 0, len(list))
	out = append(out, list[:from]...)
	out = append(out, list[from+1:]...)
	out = append(out[:to], append([]string{fromID}, out[to:]...)...)
	if equal(out, list) {
		return list
	}
	return out
}

// MoveToEnd removes fromID and appends it. The input slice is returned when
// the id is absent or already last.
func MoveToEnd(list []string, fromID string) []string {
	from := indexOf(list, fromID)
	if from < 0 || from == len(list)-1 {
		return list
	}
	out := make([]string, 0, len(list))
	out = append(out, list[:from]...)
	out = append(out, list[from+1:]...)
	return append(out, fromID)
}

// IsPermutation reports whether a and b hold the same ids, each exactly once.
func IsPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id]++
		if seen[id] > 1 {
			return false
		}
	}
	for _, id := range b {
		if seen[id] != 1 {
			return false
		}
		seen[id]--
	}
	return true
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
