package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader 是请求 ID 的请求/响应头。
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "requestId"
)

// RequestID 为每个请求分配 ID：沿用调用方传入的值，否则生成新的 uuid。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFrom 读取 RequestID 中间件写入的请求 ID。
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
