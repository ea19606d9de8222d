package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"alumni-search-go/internal/api/handler"
)

// corsMiddleware 浏览器端直接调用搜索接口，放开跨域
func corsMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
		ctx.Response.Header.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		ctx.Response.Header.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")

		if string(ctx.Method()) == consts.MethodOptions {
			ctx.SetStatusCode(consts.StatusOK)
			ctx.Abort()
			return
		}
		ctx.Next(c)
	}
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, searchHandler *handler.SearchHandler) {
	h.Use(corsMiddleware())

	api := h.Group("/api/v1")

	api.POST("/search", searchHandler.HandleSearch)

	// 健康检查
	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}
