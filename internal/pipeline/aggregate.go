package pipeline

import (
	"fmt"
	"sort"

	"github.com/yourusername/doc-lens/internal/jobs"
)

// Aggregate は [0, totalPages) の各ページにちょうど1件の結果があることを確認し、ページ順に並べた列を返します。
func Aggregate(results []jobs.PageResult, totalPages int) ([]jobs.PageResult, error) {
	if totalPages <= 0 {
		return nil, fmt.Errorf("total pages must be positive: %d", totalPages)
	}
	if len(results) != totalPages {
		return nil, fmt.Errorf("expected %d page results, got %d", totalPages, len(results))
	}

	ordered := make([]jobs.PageResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PageIndex < ordered[j].PageIndex
	})

	for i, r := range ordered {
		if r.PageIndex != i {
			if i > 0 && ordered[i-1].PageIndex == r.PageIndex {
				return nil, fmt.Errorf("duplicate result for page %d", r.PageIndex)
			}
			return nil, fmt.Errorf("missing result for page %d", i)
		}
	}
	return ordered, nil
}

// SuccessfulPages は解析に成功したページ数を返します。
func SuccessfulPages(results []jobs.PageResult) int {
	n := 0
	for _, r := range results {
		if r.PageError == nil && r.Analysis != nil {
			n++
		}
	}
	return n
}
