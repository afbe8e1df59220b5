package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ContextUserIDKey 是 gin.Context 中保存用户 ID 的键。
const ContextUserIDKey = "user_id"

// QueryTokenParam 是浏览器无法设置请求头时（WebSocket、<audio src>）携带令牌的查询参数。
const QueryTokenParam = "access_token"

// Option 调整中间件的令牌来源。
type Option func(*options)

type options struct {
	queryParam string
}

// WithQueryToken 允许在没有 Authorization 头时从查询参数读取令牌。
func WithQueryToken(param string) Option {
	return func(o *options) { o.queryParam = param }
}

// Middleware 从 Authorization: Bearer 头中解析用户。
// required 为 false 时没有令牌的请求照常放行（匿名），但携带了无效令牌仍会被拒绝。
func Middleware(v *Verifier, required bool, logger *zap.Logger, opts ...Option) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if errors.Is(err, ErrMissingToken) && o.queryParam != "" {
			if q := strings.TrimSpace(c.Query(o.queryParam)); q != "" {
				token, err = q, nil
			}
		}
		if errors.Is(err, ErrMissingToken) && !required {
			c.Next()
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if v == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication is not configured"})
			return
		}

		userID, _, err := v.Verify(token)
		if err != nil {
			logger.Debug("token rejected", zap.String("path", c.FullPath()), zap.Error(err))
			msg := "invalid token"
			if errors.Is(err, ErrTokenExpired) {
				msg = ErrTokenExpired.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(ContextUserIDKey, userID)
		c.Next()
	}
}

// UserID 返回中间件写入的用户 ID，匿名请求返回空串。
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}
