package nostrtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterSinceRoundTrip(t *testing.T) {
	f, err := NewFilter([]byte(`{"kinds":[1,2],"limit":10}`))
	require.NoError(t, err)

	_, ok := f.Since()
	assert.False(t, ok)

	withSince := f.WithSince(1_700_000_000)
	since, ok := withSince.Since()
	require.True(t, ok)
	assert.EqualValues(t, 1_700_000_000, since)

	// original filter is untouched (Clone semantics)
	_, ok = f.Since()
	assert.False(t, ok)

	b, err := withSince.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"limit":10`)
	assert.Contains(t, string(b), `"since":1700000000`)
}

func TestFilterPreservesUnknownPredicates(t *testing.T) {
	f, err := NewFilter([]byte(`{"authors":["abc"],"#e":["def"]}`))
	require.NoError(t, err)
	b, err := f.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"authors"`)
	assert.Contains(t, string(b), `"#e"`)
}
