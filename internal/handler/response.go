// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"dp-chatbot-go/internal/middleware"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": message,
		"data":    data,
	})
}

// respondError 按错误类型映射状态码。内部错误只返回通用信息与请求 ID，完整错误只写日志。
func respondError(c *gin.Context, handler string, err error) {
	requestID := middleware.RequestIDFrom(c)
	status, message := http.StatusInternalServerError, "服务内部错误"
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status, message = http.StatusBadRequest, publicMessage(err)
	case errs.KindNotFound:
		status, message = http.StatusNotFound, publicMessage(err)
	case errs.KindConflict:
		status, message = http.StatusConflict, "already in progress"
	}
	if status == http.StatusInternalServerError {
		log.Errorw("["+handler+"] 请求处理失败", "requestId", requestID, "error", err)
	} else {
		log.Warnw("["+handler+"] 请求被拒绝", "requestId", requestID, "status", status, "error", err)
	}
	c.JSON(status, gin.H{
		"code":      status,
		"message":   message,
		"requestId": requestID,
	})
}

// publicMessage 返回可以展示给调用方的错误描述，不包含底层错误。
func publicMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return http.StatusText(http.StatusBadRequest)
}

// userFrom 读取 AuthMiddleware 写入的用户上下文。
func userFrom(c *gin.Context) (model.UserContext, bool) {
	v, ok := c.Get(middleware.UserKey)
	if !ok {
		return model.UserContext{}, false
	}
	user, ok := v.(model.UserContext)
	return user, ok
}
