package ops

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// bearer rejects requests without the configured token. An empty token
// disables the check.
func bearer(tok string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func mountPprof(g *gin.RouterGroup) {
	pp := g.Group("/debug/pprof")
	pp.GET("/", gin.WrapF(hpprof.Index))
	pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	pp.GET("/profile", gin.WrapF(hpprof.Profile))
	pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
	pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
	pp.GET("/trace", gin.WrapF(hpprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		pp.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
