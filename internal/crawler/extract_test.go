package crawler

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestExtractTitleFallsBackToH1(t *testing.T) {
	t.Parallel()

	base := mustParse(t, "https://example.com/page")

	withTitle := []byte(`<html><head><title>Real Title</title></head><body><h1>Heading</h1></body></html>`)
	out, err := extract(withTitle, base)
	require.NoError(t, err)
	require.Equal(t, "Real Title", out.title)

	withoutTitle := []byte(`<html><body><h1>Heading Only</h1></body></html>`)
	out, err = extract(withoutTitle, base)
	require.NoError(t, err)
	require.Equal(t, "Heading Only", out.title)
}

func TestExtractStripsScriptsFromText(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body>
<p>visible text</p>
<script>var hidden = "secret";</script>
<style>.x { color: red }</style>
</body></html>`)

	out, err := extract(body, mustParse(t, "https://example.com/"))
	require.NoError(t, err)
	require.Contains(t, out.text, "visible text")
	require.NotContains(t, out.text, "secret")
	require.NotContains(t, out.text, "color: red")
}

func TestExtractExcerptTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 200)
	body := []byte("<html><body><p>" + long + "</p></body></html>")

	out, err := extract(body, mustParse(t, "https://example.com/"))
	require.NoError(t, err)
	require.Len(t, []rune(out.excerpt), excerptRunes)
	require.True(t, strings.HasPrefix(out.text, out.excerpt))
}

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body>
<a href="/relative">rel</a>
<a href="https://example.com/absolute">abs</a>
<a href="https://example.com/absolute">dup</a>
<a href="https://other.example/offsite">offsite</a>
<a href="/tracked" rel="nofollow">nofollow</a>
<a href="mailto:x@example.com">mail</a>
<a href="#section">anchor</a>
<a href="/with#fragment">frag</a>
</body></html>`)

	out, err := extract(body, mustParse(t, "https://example.com/dir/page"))
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/relative",
		"https://example.com/absolute",
		"https://other.example/offsite",
		"https://example.com/with",
	}, out.links)
}

func TestExtractMetaRobots(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head>
<meta name="robots" content="noindex, nofollow">
</head><body><a href="/x">x</a></body></html>`)

	out, err := extract(body, mustParse(t, "https://example.com/"))
	require.NoError(t, err)
	require.True(t, out.noIndex)
	require.True(t, out.noFollow)
}

func TestSquashWhitespace(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", squashWhitespace("  a\n\tb   c  "))
	require.Empty(t, squashWhitespace("   \n\t "))
}
