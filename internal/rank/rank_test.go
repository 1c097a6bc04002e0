package rank

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitialEmpty(t *testing.T) {
	r := Initial(nil)
	require.True(t, IsValid(r))
	require.Equal(t, "i", r)
}

func TestInitialSortsAfterExisting(t *testing.T) {
	existing := []string{"a0", "a5", "b0"}
	r := Initial(existing)
	require.True(t, IsValid(r))
	for _, e := range existing {
		require.Greater(t, r, e)
	}
}

func TestBetweenBasic(t *testing.T) {
	cases := []struct {
		lower, upper string
	}{
		{"", ""},
		{"a", "b"},
		{"a0", "a1"},
		{"a", "a1"},
		{"az", "b"},
		{"azzz", "b"},
		{"", "1"},
		{"z", ""},
		{"i", "i1"},
	}
	for _, tc := range cases {
		r, err := Between(tc.lower, tc.upper)
		require.NoError(t, err, "between %q and %q", tc.lower, tc.upper)
		if tc.lower != "" {
			require.Greater(t, r, tc.lower)
		}
		if tc.upper != "" {
			require.Less(t, r, tc.upper)
		}
		require.True(t, IsValid(r), "rank %q", r)
	}
}

func TestBetweenCollision(t *testing.T) {
	_, err := Between("a5", "a5")
	require.ErrorIs(t, err, ErrCollision)

	_, err = Between("b0", "a0")
	require.ErrorIs(t, err, ErrCollision)

	// The upper bound is a prefix of the padded lower bound: nothing fits.
	_, err = Between("a", "a0")
	require.ErrorIs(t, err, ErrCollision)
}

func TestBetweenInvalidInput(t *testing.T) {
	_, err := Between("A0", "b")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRepeatedInsertsStaySorted(t *testing.T) {
	seq := []string{Initial(nil)}
	// Insert at a rotating position 500 times and confirm the list stays
	// sorted under plain string comparison.
	for i := 0; i < 500; i++ {
		pos := i % (len(seq) + 1)
		lower, upper := "", ""
		if pos > 0 {
			lower = seq[pos-1]
		}
		if pos < len(seq) {
			upper = seq[pos]
		}
		r, err := Between(lower, upper)
		require.NoError(t, err)
		seq = append(seq[:pos], append([]string{r}, seq[pos:]...)...)
		require.True(t, sort.StringsAreSorted(seq))
	}
	unique := map[string]struct{}{}
	for _, r := range seq {
		unique[r] = struct{}{}
	}
	require.Len(t, unique, len(seq))
}

func TestDenseInsertGrowthIsBounded(t *testing.T) {
	// Repeatedly inserting just after the same lower bound is the
	// adversarial case; growth should stay around one character per
	// insert, not explode.
	lower := "i"
	upper := "j"
	for i := 0; i < 50; i++ {
		r, err := Between(lower, upper)
		require.NoError(t, err)
		lower = r
	}
	require.LessOrEqual(t, len(lower), 60)
}

func TestDropAfterTail(t *testing.T) {
	// Bucket ["a0", "a5", "b0"]: moving "a5" after "b0" with no upper
	// neighbor must yield a rank beyond "b0".
	r, err := Between("b0", "")
	require.NoError(t, err)
	require.Greater(t, r, "b0")

	got := []string{"a0", "b0", r}
	require.True(t, sort.StringsAreSorted(got))
}

func TestRebalance(t *testing.T) {
	for _, n := range []int{1, 2, 5, 35, 36, 100, 1000} {
		ranks := Rebalance(n)
		require.Len(t, ranks, n)
		require.True(t, sort.StringsAreSorted(ranks), "n=%d: %v", n, ranks)
		seen := map[string]struct{}{}
		for _, r := range ranks {
			require.True(t, IsValid(r), "n=%d rank %q", n, r)
			_, dup := seen[r]
			require.False(t, dup, "n=%d duplicate %q", n, r)
			seen[r] = struct{}{}
		}
	}
	require.Nil(t, Rebalance(0))
}

func TestIsValid(t *testing.T) {
	require.True(t, IsValid("a0z"))
	require.False(t, IsValid(""))
	require.False(t, IsValid("a0"+"0"))
	require.False(t, IsValid("A"))
	require.False(t, IsValid("a-b"))
}
