package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-lens/internal/document"
	"github.com/yourusername/doc-lens/internal/jobs"
)

func TestAggregateOrdersByPage(t *testing.T) {
	in := []jobs.PageResult{
		{PageIndex: 2, Analysis: &document.Analysis{Text: "c"}},
		{PageIndex: 0, Analysis: &document.Analysis{Text: "a"}},
		{PageIndex: 1, PageError: &jobs.ErrorInfo{Code: CodePageTimeout}},
	}
	out, err := Aggregate(in, 3)
	require.NoError(t, err)
	for i, r := range out {
		assert.Equal(t, i, r.PageIndex)
	}
	assert.Equal(t, 2, in[0].PageIndex, "input must not be reordered")
	assert.Equal(t, 2, SuccessfulPages(out))
}

func TestAggregateRejectsGapsAndDuplicates(t *testing.T) {
	_, err := Aggregate([]jobs.PageResult{{PageIndex: 0}, {PageIndex: 0}}, 2)
	assert.ErrorContains(t, err, "duplicate")

	_, err = Aggregate([]jobs.PageResult{{PageIndex: 0}, {PageIndex: 2}}, 2)
	assert.ErrorContains(t, err, "missing")

	_, err = Aggregate([]jobs.PageResult{{PageIndex: 0}}, 2)
	assert.Error(t, err)

	_, err = Aggregate(nil, 0)
	assert.Error(t, err)
}
