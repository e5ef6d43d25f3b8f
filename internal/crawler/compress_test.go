package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := map[string][]byte{
		"empty": {},
		"ascii": []byte("<html><body><a href=\"/a\">a</a></body></html>"),
		"utf8":  []byte("Größe – 東京 – données 🚀"),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			packed, err := Compress(in)
			require.NoError(t, err)
			out, err := Decompress(packed)
			require.NoError(t, err)
			require.Equal(t, len(in), len(out))
			require.Equal(t, string(in), string(out))
		})
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decompress([]byte("not zlib"))
	require.Error(t, err)
}
