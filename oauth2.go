package authkernel

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/MrEthical07/authkernel/internal/retry"
)

// Permanent marks err returned by a RefreshFunc as not worth retrying. The
// refresh engine stops at the first permanent error.
func Permanent(err error) error {
	return retry.Permanent(err)
}

// TokenSource returns an oauth2.TokenSource backed by the kernel. Token
// returns the stored tokens, refreshing first when they are expired.
// ctx bounds the wait for that refresh.
func (k *Kernel) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &kernelTokenSource{kernel: k, ctx: ctx}
}

type kernelTokenSource struct {
	kernel *Kernel
	ctx    context.Context
}

func (s *kernelTokenSource) Token() (*oauth2.Token, error) {
	if s.kernel.Destroyed() {
		return nil, ErrKernelDestroyed
	}
	set, ok := s.kernel.Tokens()
	if !ok {
		return nil, ErrRefreshTokenMissing
	}
	if s.kernel.IsExpired() {
		refreshed, err := s.kernel.Refresh(s.ctx)
		if err != nil {
			return nil, err
		}
		set = refreshed
	}
	return toOAuth2Token(set), nil
}

// OAuth2RefreshFunc returns a RefreshFunc that runs the refresh-token grant
// against cfg's token endpoint. 4xx responses from the endpoint are permanent.
func OAuth2RefreshFunc(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (TokenSet, error) {
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil &&
				re.Response.StatusCode >= http.StatusBadRequest &&
				re.Response.StatusCode < http.StatusInternalServerError {
				return TokenSet{}, Permanent(err)
			}
			return TokenSet{}, err
		}
		return fromOAuth2Token(tok), nil
	}
}

func toOAuth2Token(set StoredTokenSet) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  set.AccessToken,
		TokenType:    set.TokenType,
		RefreshToken: set.RefreshToken,
		Expiry:       set.ExpiresAt,
	}
}

func fromOAuth2Token(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresAt = tok.Expiry.Unix()
	}
	return ts
}
