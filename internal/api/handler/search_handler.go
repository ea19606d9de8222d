package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/sse"

	"alumni-search-go/internal/logger"
	"alumni-search-go/internal/processor"
	"alumni-search-go/internal/types"
)

// SearchHandler 语义搜索的HTTP入口
type SearchHandler struct {
	service *processor.SearchService
}

// NewSearchHandler 创建搜索处理器
func NewSearchHandler(service *processor.SearchService) *SearchHandler {
	return &SearchHandler{service: service}
}

// HandleSearch 处理 POST /api/v1/search。
// stream缺省为true走SSE；stream=false返回完整JSON。
// 约定: 请求体格式正确时永远返回200，上游失败通过error字段表达。
func (h *SearchHandler) HandleSearch(ctx context.Context, c *app.RequestContext) {
	body, err := c.Body()
	if err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{
			"results": []types.RankedResult{},
			"error":   "读取请求体失败",
		})
		return
	}

	var req types.SearchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{
			"results": []types.RankedResult{},
			"error":   "请求体不是合法JSON",
		})
		return
	}

	streamMode := true
	if req.Stream != nil {
		streamMode = *req.Stream
	}

	logger.Ctx(ctx).Info().
		Bool("stream", streamMode).
		Int("query_len", len(req.Query)).
		Msg("收到搜索请求")

	if streamMode {
		h.handleStream(ctx, c, req.Query)
		return
	}

	resp := h.service.Search(ctx, req.Query)
	c.JSON(consts.StatusOK, resp)
}

// handleStream 以SSE推送增量搜索结果
func (h *SearchHandler) handleStream(ctx context.Context, c *app.RequestContext, query string) {
	c.SetStatusCode(http.StatusOK)
	stream := sse.NewStream(c)

	h.service.SearchStream(ctx, query, &sseEmitter{stream: stream})
}

// sseEmitter 把流水线事件转成SSE帧
type sseEmitter struct {
	stream *sse.Stream
}

// buildFrame 把事件载荷编码为data-only帧。
// 事件类型通过载荷里的type字段区分，帧上不设事件名，
// 浏览器端EventSource的onmessage才能收到全部事件。
func buildFrame(data interface{}) (*sse.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &sse.Event{Data: payload}, nil
}

func (e *sseEmitter) Emit(eventType string, data interface{}) error {
	frame, err := buildFrame(data)
	if err != nil {
		return err
	}
	return e.stream.Publish(frame)
}

var _ processor.StreamEmitter = (*sseEmitter)(nil)
