package ids

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestIsLengthPrefixed(t *testing.T) {
	require := require.New(t)
	require.NotEqual(DigestOf([]byte("ab"), []byte("c")), DigestOf([]byte("a"), []byte("bc")))
	require.Equal(DigestOf([]byte("a")), DigestOf([]byte("a")))
}

func TestParseDigest(t *testing.T) {
	require := require.New(t)
	d := DigestOf([]byte("hello"))
	parsed, err := ParseDigest(d.String())
	require.Nil(err)
	require.Equal(d, parsed)

	_, err = ParseDigest("abcd")
	require.Error(err)
}

func TestSortIDs(t *testing.T) {
	require := require.New(t)
	a := ID{1}
	b := ID{2}
	list := []ID{b, a}
	sort.Sort(ByLexicographical(list))
	require.Equal([]ID{a, b}, list)
	require.Equal(-1, Compare(a, b))
}
