package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/ws"
)

const (
	AdminGroup  = "admin"
	operatorKey = "operator"
)

// authenticate returns the operator behind the request, or nil. The
// shared key proves the upstream authenticator vouched for the operator
// headers. An empty key disables the check (development only).
func authenticate(c *gin.Context, apiKey string) *ws.Operator {
	if apiKey != "" {
		presented := c.GetHeader("X-Api-Key")
		if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
			presented = strings.TrimSpace(bearer)
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			return nil
		}
	}
	id := strings.TrimSpace(c.GetHeader("X-Operator-ID"))
	if id == "" {
		return nil
	}
	op := &ws.Operator{ID: id}
	for _, g := range strings.Split(c.GetHeader("X-Operator-Groups"), ",") {
		if g = strings.TrimSpace(g); g != "" {
			op.Groups = append(op.Groups, g)
		}
	}
	return op
}

// OperatorAuth rejects requests without a vouched operator identity.
func OperatorAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op := authenticate(c, apiKey)
		if op == nil {
			log.WithField("path", c.Request.URL.Path).Debug("[API] unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator authentication required"})
			return
		}
		c.Set(operatorKey, *op)
		c.Next()
	}
}

// RequireGroup must run after OperatorAuth.
func RequireGroup(group string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentOperator(c).InGroup(group) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "requires group " + group})
			return
		}
		c.Next()
	}
}

func currentOperator(c *gin.Context) ws.Operator {
	op, _ := c.MustGet(operatorKey).(ws.Operator)
	return op
}
