package traderepublic

import (
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"
)

func responseWithSetCookie(values ...string) *http.Response {
	header := http.Header{}
	for _, value := range values {
		header.Add("Set-Cookie", value)
	}
	return &http.Response{
		Header: header,
	}
}

func TestExtractCookiesExpiresDate(t *testing.T) {
	// the comma inside the expires date is not a cookie boundary
	response := responseWithSetCookie(
		"session=abc; expires=Wed, 21 Oct 2025 07:28:00 GMT, user=xyz; path=/",
	)
	assert.Equal(t, extractCookies(response), []string{"session=abc", "user=xyz"})
}

func TestExtractCookiesQuotedValue(t *testing.T) {
	// commas inside quoted values are not boundaries either
	response := responseWithSetCookie(
		`data={"name":"John, Doe"}; path=/, token=12345`,
	)
	assert.Equal(t, extractCookies(response), []string{`data={"name":"John, Doe"}`, "token=12345"})
}

func TestExtractCookiesIndividualHeaders(t *testing.T) {
	// individual headers and a comma-joined value produce the same sequence
	individual := responseWithSetCookie(
		"session=abc; expires=Wed, 21 Oct 2025 07:28:00 GMT; path=/; HttpOnly",
		"user=xyz; path=/",
	)
	joined := responseWithSetCookie(
		"session=abc; expires=Wed, 21 Oct 2025 07:28:00 GMT; path=/; HttpOnly, user=xyz; path=/",
	)
	assert.Equal(t, extractCookies(individual), []string{"session=abc", "user=xyz"})
	assert.Equal(t, extractCookies(joined), extractCookies(individual))
}

func TestExtractCookiesAttributesDiscarded(t *testing.T) {
	response := responseWithSetCookie(
		"tr_session=eyJhbGciOi; Path=/; Secure; HttpOnly; SameSite=Lax",
	)
	assert.Equal(t, extractCookies(response), []string{"tr_session=eyJhbGciOi"})
}

func TestExtractCookiesNone(t *testing.T) {
	response := responseWithSetCookie()
	assert.Equal(t, len(extractCookies(response)), 0)
}

func TestSplitSetCookieNoSplitInsideQuotes(t *testing.T) {
	parts := splitSetCookie(`a="x, y=z", b=2`)
	assert.Equal(t, len(parts), 2)
	assert.Equal(t, parts[0], `a="x, y=z"`)
}
