// Package batch splits a population of addressable units into bounded
// contiguous ranges for assignment and settlement jobs.
package batch

// Range is one contiguous unit-of-work slice over a population.
// Params: range size and inclusive start/end indexes.
// Returns: bounded batch descriptor for queue payloads.
type Range struct {
	Size  int `json:"size"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Partition splits total units into ordered ranges of at most size each.
// Params: total unit count, max range size, and optional 1-based start index.
// Returns: contiguous ranges covering [start, start+total-1]; nil when total is 0.
func Partition(total, size int, start ...int) []Range {
	if total <= 0 || size <= 0 {
		return nil
	}
	cursor := 1
	if len(start) > 0 && start[0] > 0 {
		cursor = start[0]
	}

	out := make([]Range, 0, (total+size-1)/size)
	remaining := total
	for remaining > 0 {
		step := size
		if remaining < step {
			step = remaining
		}
		out = append(out, Range{
			Size:  step,
			Start: cursor,
			End:   cursor + step - 1,
		})
		cursor += step
		remaining -= step
	}
	return out
}
