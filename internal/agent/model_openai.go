package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"alumni-search-go/internal/logger"
	"alumni-search-go/internal/types"
)

const (
	defaultChatCompletionsURL = "https://api.openai.com/v1/chat/completions"
	defaultRerankModelName    = "gpt-5-nano"
)

// OpenAIChatModel 实现了 eino 的 model.ChatModel 接口，
// 调用 OpenAI 兼容的 chat/completions 端点做重排。
// 重排场景固定要求 JSON 输出，所以请求始终带 response_format=json_object。
type OpenAIChatModel struct {
	apiKey     string
	modelName  string
	apiURL     string
	httpClient *http.Client
}

var _ model.ChatModel = (*OpenAIChatModel)(nil)

// NewOpenAIChatModel 创建一个新的 OpenAIChatModel 实例
func NewOpenAIChatModel(apiKey string, modelName string, apiURL string, timeout time.Duration) (*OpenAIChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}

	mn := modelName
	if strings.TrimSpace(mn) == "" {
		mn = defaultRerankModelName
	}

	url := apiURL
	if strings.TrimSpace(url) == "" {
		url = defaultChatCompletionsURL
	}

	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIChatModel{
		apiKey:     apiKey,
		modelName:  mn,
		apiURL:     url,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ModelName 返回配置的模型名
func (o *OpenAIChatModel) ModelName() string {
	return o.modelName
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatCompletionRequest struct {
	Model          string                `json:"model"`
	Messages       []*schema.Message     `json:"messages"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
}

type openAIChatMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type openAIChatChoice struct {
	Index        int               `json:"index"`
	Message      openAIChatMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []openAIChatChoice `json:"choices"`
}

// openAIStreamChunk SSE帧中单个chunk的结构
type openAIStreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate 实现 model.ChatModel 接口，一次性返回完整补全
func (o *OpenAIChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	reqPayload := openAIChatCompletionRequest{
		Model:          o.modelName,
		Messages:       messages,
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpResp, err := o.doRequest(ctx, jsonData)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, types.NewUpstreamError("rerank", "读取响应体失败", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, types.NewUpstreamError("rerank",
			fmt.Sprintf("API 请求失败, 状态码: %d, 响应: %s", httpResp.StatusCode, truncateBody(bodyBytes)), nil)
	}

	var openAIResp openAIChatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &openAIResp); err != nil {
		return nil, types.NewUpstreamError("rerank", "反序列化 API 响应失败", err)
	}

	if len(openAIResp.Choices) == 0 {
		return nil, types.NewUpstreamError("rerank", "API 返回空choices", nil)
	}

	apiMessage := openAIResp.Choices[0].Message
	responseContent := ""
	if apiMessage.Content != nil {
		responseContent = *apiMessage.Content
	}

	role := schema.RoleType(apiMessage.Role)
	if role == "" {
		role = schema.Assistant
	}

	logger.Ctx(ctx).Debug().
		Str("model", openAIResp.Model).
		Str("finish_reason", openAIResp.Choices[0].FinishReason).
		Int("content_len", len(responseContent)).
		Msg("补全请求完成")

	return &schema.Message{
		Role:    role,
		Content: responseContent,
	}, nil
}

// Stream 实现 model.ChatModel 接口。
// 读取SSE帧并把每个delta作为一条增量消息写入StreamReader。
func (o *OpenAIChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	body, err := o.StreamRaw(ctx, messages)
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](16)

	go func() {
		defer body.Close()
		defer sw.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				// 坏帧跳过，流式输出以尽力交付为准
				logger.Ctx(ctx).Warn().Err(err).Msg("跳过无法解析的SSE帧")
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}

			msg := schema.AssistantMessage(delta, nil)
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sw.Send(nil, types.NewUpstreamError("rerank", "读取SSE流失败", err))
		}
	}()

	return sr, nil
}

// StreamRaw 发起流式补全请求并返回原始SSE响应体。
// 结构化的增量解析器需要直接消费SSE帧，所以这里不做任何解码。
// 调用方负责Close返回的Body。
func (o *OpenAIChatModel) StreamRaw(ctx context.Context, messages []*schema.Message) (io.ReadCloser, error) {
	reqPayload := openAIChatCompletionRequest{
		Model:          o.modelName,
		Messages:       messages,
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
		Stream:         true,
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpResp, err := o.doRequest(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, types.NewUpstreamError("rerank",
			fmt.Sprintf("流式 API 请求失败, 状态码: %d, 响应: %s", httpResp.StatusCode, truncateBody(bodyBytes)), nil)
	}

	return httpResp.Body, nil
}

// BindTools 实现 model.ChatModel 接口。重排不使用工具调用。
func (o *OpenAIChatModel) BindTools(tools []*schema.ToolInfo) error {
	if len(tools) > 0 {
		return fmt.Errorf("OpenAIChatModel 不支持工具绑定")
	}
	return nil
}

func (o *OpenAIChatModel) doRequest(ctx context.Context, jsonData []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, types.NewUpstreamError("rerank", "发送 HTTP 请求失败", err)
	}
	return httpResp, nil
}

func truncateBody(body []byte) string {
	const maxLen = 500
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen]) + "..."
}
