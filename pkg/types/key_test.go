package types_test

import (
	"testing"

	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want types.Key
	}{
		{name: "plain https", raw: "https://example.com/a.png", want: "https://example.com/a.png"},
		{name: "case folded scheme and host", raw: "HTTPS://Example.COM/a.png", want: "https://example.com/a.png"},
		{name: "default http port dropped", raw: "http://example.com:80/a.png", want: "http://example.com/a.png"},
		{name: "default https port dropped", raw: "https://example.com:443/a.png", want: "https://example.com/a.png"},
		{name: "non-default port kept", raw: "http://example.com:8080/a.png", want: "http://example.com:8080/a.png"},
		{name: "fragment dropped", raw: "https://example.com/a.png#top", want: "https://example.com/a.png"},
		{name: "empty path becomes root", raw: "https://example.com", want: "https://example.com/"},
		{name: "query kept verbatim", raw: "https://example.com/a.png?w=10&h=20", want: "https://example.com/a.png?w=10&h=20"},
		{name: "surrounding whitespace trimmed", raw: "  https://example.com/a.png\n", want: "https://example.com/a.png"},
		{name: "ipv6 default port", raw: "http://[::1]:80/a.png", want: "http://[::1]/a.png"},
		{name: "gcs object", raw: "gs://images-bucket/avatars/1.png", want: "gs://images-bucket/avatars/1.png"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := types.NormalizeKey(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeKey_SameResourceSameKey(t *testing.T) {
	testCases := []struct {
		name string
		a, b string
		want types.Key
	}{
		{name: "case, default port and fragment", a: "HTTP://Example.com:80/img.png#x", b: "http://example.com/img.png", want: "http://example.com/img.png"},
		{name: "escaped unreserved character", a: "https://a/%7e.png", b: "https://a/~.png", want: "https://a/~.png"},
		{name: "escape hex case", a: "https://a/x%2fy.png", b: "https://a/x%2Fy.png", want: "https://a/x%2Fy.png"},
		{name: "escapes in query", a: "https://a/i.png?s=%7euser&t=a%2cb", b: "https://a/i.png?s=~user&t=a%2Cb", want: "https://a/i.png?s=~user&t=a%2Cb"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := types.NormalizeKey(tc.a)
			require.NoError(t, err)
			b, err := types.NormalizeKey(tc.b)
			require.NoError(t, err)

			assert.Equal(t, tc.want, a)
			assert.Equal(t, a, b)
			assert.Equal(t, a.Hash(), b.Hash())
		})
	}

	t.Run("encoded slash stays distinct from a path separator", func(t *testing.T) {
		a, err := types.NormalizeKey("https://a/x%2Fy.png")
		require.NoError(t, err)
		b, err := types.NormalizeKey("https://a/x/y.png")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestNormalizeKey_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"   ",
		"bad-url",
		"://missing-scheme",
		"ftp://example.com/a.png",
		"http://",
		"mailto:someone@example.com",
		"gs://bucket-only",
		"gs://bucket-only/",
		"http://[::1/a.png",
	}

	for _, raw := range invalid {
		t.Run(raw, func(t *testing.T) {
			_, err := types.NormalizeKey(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInvalidKey)
		})
	}
}

func TestKey_Scheme(t *testing.T) {
	assert.Equal(t, "https", types.Key("https://example.com/").Scheme())
	assert.Equal(t, "gs", types.Key("gs://b/o").Scheme())
	assert.Equal(t, "", types.Key("nothing").Scheme())
}
