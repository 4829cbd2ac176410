// Package api implements the OpenAI-compatible HTTP surface of the
// gateway.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// corsMiddleware adds permissive CORS headers so browser-based OpenAI
// clients can talk to the gateway directly.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// keySet holds the accepted API keys; swapped atomically on config reload.
type keySet struct {
	keys [][]byte
}

func newKeySet(keys []string) *keySet {
	ks := &keySet{}
	for _, k := range keys {
		if k != "" {
			ks.keys = append(ks.keys, []byte(k))
		}
	}
	return ks
}

// match compares the candidate against every configured key in constant
// time. All keys are always checked so timing does not reveal which key
// (if any) matched.
func (ks *keySet) match(candidate string) bool {
	cb := []byte(candidate)
	matched := false
	for _, key := range ks.keys {
		if subtle.ConstantTimeEq(int32(len(cb)), int32(len(key))) == 1 &&
			subtle.ConstantTimeCompare(cb, key) == 1 {
			matched = true
		}
	}
	return matched
}

// empty reports whether no keys are configured (open gateway).
func (ks *keySet) empty() bool { return len(ks.keys) == 0 }

// authMiddleware enforces the gateway API key. Accepts the key as a
// Bearer token or in x-api-key. With no keys configured the gateway is
// open.
func authMiddleware(keys *atomic.Pointer[keySet]) gin.HandlerFunc {
	return func(c *gin.Context) {
		ks := keys.Load()
		if ks.empty() {
			c.Next()
			return
		}

		candidate := c.GetHeader("x-api-key")
		if candidate == "" {
			header := c.GetHeader("Authorization")
			if after, ok := strings.CutPrefix(header, "Bearer "); ok {
				candidate = after
			}
		}

		if candidate == "" || !ks.match(candidate) {
			c.Header("WWW-Authenticate", "Bearer")
			writeError(c, http.StatusUnauthorized, "invalid_api_key", "invalid or missing API key")
			c.Abort()
			return
		}
		c.Set(ctxKeyAPIKey, candidate)
		c.Next()
	}
}
