package traderepublic

import (
	"net/http"
	"regexp"
	"strings"
)

// Servers deliver session cookies either as individual Set-Cookie headers or
// as one comma-joined header value. The comma is ambiguous: it also appears
// inside `expires=Wed, 21 Oct 2025 ...` attributes and inside quoted cookie
// values. A comma is a boundary only when the text after it starts a new
// `name=` pair and does not start with a weekday token.

var cookieBoundaryPattern = regexp.MustCompile(`^\s*[^=;\s]+\s*=`)
var cookieWeekdayPattern = regexp.MustCompile(`^\s*(Mon|Tue|Wed|Thu|Fri|Sat|Sun)`)

// extractCookies returns the `name=value` prefix of every cookie set by the
// response, attributes discarded, in header order.
func extractCookies(response *http.Response) []string {
	cookies := []string{}
	for _, header := range response.Header.Values("Set-Cookie") {
		for _, setCookie := range splitSetCookie(header) {
			nameValue := strings.TrimSpace(strings.SplitN(setCookie, ";", 2)[0])
			if nameValue != "" {
				cookies = append(cookies, nameValue)
			}
		}
	}
	return cookies
}

func splitSetCookie(header string) []string {
	cookies := []string{}
	inQuotes := false
	start := 0
	for i, c := range header {
		switch c {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if inQuotes {
				continue
			}
			rest := header[i+1:]
			if cookieBoundaryPattern.MatchString(rest) && !cookieWeekdayPattern.MatchString(rest) {
				cookies = append(cookies, header[start:i])
				start = i + 1
			}
		}
	}
	cookies = append(cookies, header[start:])
	return cookies
}
