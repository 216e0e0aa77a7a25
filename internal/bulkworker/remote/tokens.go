package remote

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

type Credentials struct {
	// Host name of the shop's API, e.g. example.myshopify.com
	ShopDomain  string `validate:"required"`
	AccessToken string `validate:"required"`
}

type CredentialsSource interface {
	Credentials(ctx context.Context, shopId string) (Credentials, error)
}

// StaticCredentials serves credentials from configuration.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Credentials(_ context.Context, shopId string) (Credentials, error) {
	credentials, ok := s[shopId]
	if !ok {
		return Credentials{}, errors.WithStack(&ErrUnauthorized{ShopId: shopId, Message: "no credentials configured"})
	}
	return credentials, nil
}

// CachedCredentials keeps credentials of an underlying source for ttl. Invalidate drops a shop's
// entry after the remote API rejected its token.
type CachedCredentials struct {
	source CredentialsSource
	cache  *cache.Cache
}

func NewCachedCredentials(source CredentialsSource, ttl time.Duration) *CachedCredentials {
	return &CachedCredentials{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

func (c *CachedCredentials) Credentials(ctx context.Context, shopId string) (Credentials, error) {
	if cached, ok := c.cache.Get(shopId); ok {
		return cached.(Credentials), nil
	}
	credentials, err := c.source.Credentials(ctx, shopId)
	if err != nil {
		return Credentials{}, err
	}
	c.cache.SetDefault(shopId, credentials)
	return credentials, nil
}

func (c *CachedCredentials) Invalidate(shopId string) {
	c.cache.Delete(shopId)
}
