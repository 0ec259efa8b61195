package opsapi

import (
	"errors"
	"net/http"

	"claude_bridge_server/pkg/errorx"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandleSuccess 返回成功响应
func HandleSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code": errorx.CodeSuccess,
		"msg":  "success",
		"data": data,
	})
}

// HandleError 通用错误处理方法
// 自动识别 errorx.CodeError 类型的业务错误，其他错误统一返回执行失败
func HandleError(c *gin.Context, err error) {
	var codeErr *errorx.CodeError
	if errors.As(err, &codeErr) {
		c.JSON(http.StatusOK, gin.H{
			"code": codeErr.Code,
			"msg":  codeErr.Msg,
			"data": nil,
		})
		return
	}

	zap.L().Error("system error",
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.Error(err),
	)
	c.JSON(http.StatusOK, gin.H{
		"code": errorx.CodeExecFailed,
		"msg":  "内部错误",
		"data": nil,
	})
}

// HandleParamError 处理参数绑定错误
func HandleParamError(c *gin.Context, err error) {
	zap.L().Warn("param bind error", zap.Error(err))
	c.JSON(http.StatusOK, gin.H{
		"code": errorx.CodeBadArgs,
		"msg":  "请求参数错误",
		"data": nil,
	})
}
