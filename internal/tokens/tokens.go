// Package tokens estimates LLM token usage and packs items into
// budget-bounded batches.
package tokens

import (
	"math"
	"sort"
	"strings"
)

// Approximate estimates the token count of a text as round(words × 1.3).
// The estimate is deliberately rough; batch budgets leave headroom.
func Approximate(text string) int {
	words := len(strings.Fields(text))
	return int(math.Round(float64(words) * 1.3))
}

// Pack splits items into batches whose summed estimates stay within budget.
// Items are packed shortest-first so small articles fill batches densely.
// An item whose estimate exceeds the budget is emitted as a batch of one.
func Pack[T any](items []T, budget int, estimate func(T) int) [][]T {
	if len(items) == 0 {
		return nil
	}

	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return estimate(sorted[i]) < estimate(sorted[j])
	})

	var batches [][]T
	var current []T
	used := 0
	for _, item := range sorted {
		size := estimate(item)
		if size > budget {
			batches = append(batches, []T{item})
			continue
		}
		if used+size > budget && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			used = 0
		}
		current = append(current, item)
		used += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
