package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		base string
		want string
	}{
		{"absolute", "https://Example.COM/a?b=2&a=1#top", "", "https://example.com/a?b=2&a=1"},
		{"relative", "c/d", "https://example.com/a/b", "https://example.com/a/c/d"},
		{"absolute path", "/x?q=1", "https://example.com/a/b", "https://example.com/x?q=1"},
		{"protocol relative", "//other.com/p", "https://example.com/", "https://other.com/p"},
		{"fragment only", "#frag", "https://example.com/page", "https://example.com/page"},
		{"default port", "http://example.com:80/p", "", "http://example.com/p"},
		{"empty path", "https://example.com", "", "https://example.com/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tc.raw, tc.base)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeMalformedReturnsRaw(t *testing.T) {
	t.Parallel()

	raw := "http://[::1%zz/"
	got, err := Normalize(raw, "https://example.com")
	require.Error(t, err)
	require.Equal(t, raw, got)

	got, err = Normalize("/ok", "%%bad")
	require.Error(t, err)
	require.Equal(t, "/ok", got)
}

func TestSameOrigin(t *testing.T) {
	t.Parallel()

	require.False(t, SameOrigin("https://a.com/x", "https://sub.a.com"))
	require.True(t, SameOrigin("/x", "https://a.com"))
	require.True(t, SameOrigin("x/y", "https://a.com"))
	require.True(t, SameOrigin("https://A.com/y", "https://a.com/"))
	require.True(t, SameOrigin("http://a.com/y", "https://a.com/"))
	require.False(t, SameOrigin("https://a.com:8443/y", "https://a.com/"))
	require.False(t, SameOrigin("mailto:me@a.com", "https://a.com/"))
	require.False(t, SameOrigin("http://[::1%zz/", "https://a.com/"))
}
