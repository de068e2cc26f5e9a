package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
)

// NewTokenSource builds the token source used for every repository of a run.
// A literal token takes precedence over tokenFile. With neither set, the
// source yields an empty token and URLs are used as configured.
func NewTokenSource(token, tokenFile string) (oauth2.TokenSource, error) {
	switch {
	case token != "":
		if err := ValidateToken(token); err != nil {
			return nil, err
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil
	case tokenFile != "":
		if _, err := os.Stat(tokenFile); err != nil {
			return nil, fmt.Errorf("token file: %w", err)
		}
		return &fileTokenSource{path: tokenFile}, nil
	default:
		return oauth2.StaticTokenSource(&oauth2.Token{}), nil
	}
}

// fileTokenSource re-reads the token file on every call so rotated tokens
// are picked up by long-running servers.
type fileTokenSource struct {
	path string
}

func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, errors.New("token file is empty")
	}
	if err := ValidateToken(token); err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token}, nil
}

// AccessToken fetches the current access token from ts. A nil source yields
// the empty token.
func AccessToken(ts oauth2.TokenSource) (string, error) {
	if ts == nil {
		return "", nil
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("getting token: %w", err)
	}
	return tok.AccessToken, nil
}
