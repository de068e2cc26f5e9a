// Package credential embeds transient access tokens into repository URLs and
// keeps them out of anything that gets logged.
package credential

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// ErrInvalidToken is returned for tokens that cannot be embedded in a URL
var ErrInvalidToken = errors.New("invalid token")

// redactedUser replaces user-info in redacted URLs
const redactedUser = "redacted"

// ValidateToken rejects tokens containing whitespace or control characters.
// Other reserved URL characters are escaped by Inject.
func ValidateToken(token string) error {
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: token contains whitespace or control characters", ErrInvalidToken)
		}
	}
	return nil
}

// Inject returns rawURL with token embedded as the user-info component and an
// empty password, e.g. https://TOKEN:@github.com/org/repo. Only https URLs
// whose host is listed in hosts are rewritten; any other URL, and any URL when
// token is empty, is returned unchanged.
func Inject(rawURL, token string, hosts []string) (string, error) {
	if token == "" {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" || !hostMatches(u.Hostname(), hosts) {
		return rawURL, nil
	}

	if err := ValidateToken(token); err != nil {
		return "", err
	}

	u.User = url.UserPassword(token, "")
	return u.String(), nil
}

func hostMatches(host string, hosts []string) bool {
	for _, h := range hosts {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}

// Redact masks any user-info embedded in rawURL. Strings that do not parse as
// URLs are returned unchanged.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = url.User(redactedUser)
	return u.String()
}

// UserPassword resolves the credentials embedded in rawURL. The password
// falls back to the empty string.
func UserPassword(rawURL string) (user, password string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return "", ""
	}
	password, _ = u.User.Password()
	return u.User.Username(), password
}
