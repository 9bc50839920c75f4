package api

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/vault"
)

// Tier is the trust level a request authenticated with.
type Tier string

const (
	TierDashboard Tier = "dashboard"
	TierInternal  Tier = "internal"
	TierSnapshot  Tier = "snapshot"

	tierKey = "auth.tier"
)

// Header names per tier. The dashboard tier also accepts a bearer token.
const (
	HeaderAPIKey      = "X-API-Key"
	HeaderInternalKey = "X-Internal-Key"
	HeaderRelaySecret = "X-Relay-Secret"
)

// Keys holds the shared secret of each tier. An empty key disables its
// tier: every request against it is rejected.
type Keys struct {
	Dashboard string
	Internal  string
	Snapshot  string
}

// Auth checks tier secrets. Keys can be swapped at runtime.
type Auth struct {
	mu   sync.RWMutex
	keys Keys
}

func NewAuth(keys Keys) *Auth {
	return &Auth{keys: keys}
}

// SetKeys replaces every tier secret.
func (a *Auth) SetKeys(keys Keys) {
	a.mu.Lock()
	a.keys = keys
	a.mu.Unlock()
}

func (a *Auth) current() Keys {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.keys
}

// Require admits a request that presents the secret of any listed tier.
// The matched tier is stored on the context for handlers.
func (a *Auth) Require(tiers ...Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := a.current()
		for _, t := range tiers {
			if a.match(c, t, keys) {
				c.Set(tierKey, t)
				c.Next()
				return
			}
		}
		abortWithError(c, apperr.New(apperr.Unauthorized, "missing or invalid credentials"))
	}
}

func (a *Auth) match(c *gin.Context, t Tier, keys Keys) bool {
	switch t {
	case TierDashboard:
		presented := c.GetHeader(HeaderAPIKey)
		if presented == "" {
			if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				presented = strings.TrimSpace(bearer)
			}
		}
		return vault.SecretsEqual(presented, keys.Dashboard)
	case TierInternal:
		return vault.SecretsEqual(c.GetHeader(HeaderInternalKey), keys.Internal)
	case TierSnapshot:
		return vault.SecretsEqual(c.GetHeader(HeaderRelaySecret), keys.Snapshot)
	}
	return false
}

// TierOf returns the tier the request authenticated with.
func TierOf(c *gin.Context) Tier {
	t, _ := c.Get(tierKey)
	tier, _ := t.(Tier)
	return tier
}
