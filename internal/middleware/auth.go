// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// UserKey 是 gin 上下文中保存 model.UserContext 的键。
const UserKey = "user"

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它从请求头中提取 token，验证后将用户上下文（用户 ID、团队、角色）存入 Gin 的上下文中。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			log.Warnw("[AuthMiddleware] token 校验失败", "requestId", RequestIDFrom(c), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}
		if claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token 缺少用户信息"})
			return
		}

		c.Set(UserKey, model.UserContext{
			UserID: claims.UserID,
			Team:   claims.Team,
			Role:   claims.Role,
		})
		c.Next()
	}
}
