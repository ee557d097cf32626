package studiocache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("hello"))
	h2 := HashBytes([]byte("hello"))
	h3 := HashBytes([]byte("world"))

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.False(t, h1.IsZero())
	require.True(t, Hash{}.IsZero())
}

func TestHashString(t *testing.T) {
	h := HashBytes([]byte("content"))

	require.Len(t, h.String(), HashSize*2)
	require.Len(t, h.ShortString(), 16)
	require.Len(t, h.Dir(), 2)
	require.True(t, strings.HasPrefix(h.String(), h.Dir()))
}

func TestParseHashRoundTrip(t *testing.T) {
	h := HashURL("https://studio.example.com/assets/clip.mp4")

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	_, err := ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashURLMatchesBytes(t *testing.T) {
	url := "https://studio.example.com/api/projects"
	require.Equal(t, HashBytes([]byte(url)), HashURL(url))
}

func TestHashReader(t *testing.T) {
	data := []byte("some cached payload")

	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), h)
}

func TestHashingWriter(t *testing.T) {
	data := []byte("streamed body")
	var buf bytes.Buffer

	hw := NewHashingWriter(&buf)
	_, err := hw.Write(data)
	require.NoError(t, err)

	require.Equal(t, data, buf.Bytes())
	require.Equal(t, HashBytes(data), hw.Sum())
	require.Equal(t, int64(len(data)), hw.BytesWritten())
}
