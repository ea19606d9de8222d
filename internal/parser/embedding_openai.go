package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/logger"
	"alumni-search-go/internal/types"
)

// OpenAIEmbedder 实现 cloudwego/eino 的 embedding.Embedder 接口，
// 调用 OpenAI 兼容的 embeddings 端点。
// 查询向量化失败时直接失败返回，不做重试，由上层决定降级策略。
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
	baseURL    string
}

// 确保OpenAIEmbedder实现了eino的Embedder接口
var _ embedding.Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder 创建OpenAI Embedder
func NewOpenAIEmbedder(apiKey string, embeddingCfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}

	model := embeddingCfg.Model
	if model == "" {
		model = "text-embedding-3-large"
	}

	baseURL := embeddingCfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/embeddings"
	}

	timeout := 30 * time.Second
	if embeddingCfg.TimeoutSeconds > 0 {
		timeout = time.Duration(embeddingCfg.TimeoutSeconds) * time.Second
	}

	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		dimensions: embeddingCfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}, nil
}

// GetDimensions 返回嵌入器配置的维度
func (o *OpenAIEmbedder) GetDimensions() int {
	return o.dimensions
}

// openAIEmbeddingRequest OpenAI Embedding请求结构
type openAIEmbeddingRequest struct {
	Input      interface{} `json:"input"` // string 或 []string
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions,omitempty"`
}

// openAIEmbeddingResponse OpenAI Embedding响应结构
type openAIEmbeddingResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

// openAIError API级别的错误信息
type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param"`
	Code    string `json:"code"`
}

// EmbedStrings 将文本转换为向量, 实现 cloudwego/eino embedding.Embedder 接口
func (o *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	options := &embedding.Options{}
	embedding.GetCommonOptions(options, opts...)

	effectiveModel := o.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	var inputBody interface{}
	if len(texts) == 1 {
		inputBody = texts[0]
	} else {
		inputBody = texts
	}

	reqBody := openAIEmbeddingRequest{
		Input: inputBody,
		Model: effectiveModel,
	}
	if o.dimensions > 0 {
		reqBody.Dimensions = o.dimensions
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, types.NewUpstreamError("embedding", "发送HTTP请求失败", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewUpstreamError("embedding", "读取响应体失败", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errWrap struct {
			Error openAIError `json:"error"`
		}
		message := fmt.Sprintf("状态码: %d", resp.StatusCode)
		if json.Unmarshal(body, &errWrap) == nil && errWrap.Error.Message != "" {
			message = fmt.Sprintf("状态码: %d, 类型: %s, 错误: %s", resp.StatusCode, errWrap.Error.Type, errWrap.Error.Message)
		} else {
			logger.Ctx(ctx).Warn().Int("status", resp.StatusCode).Str("body", truncateForLog(string(body))).Msg("Embedding API调用失败")
		}
		return nil, types.NewUpstreamError("embedding", message, nil)
	}

	var parsedResp openAIEmbeddingResponse
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		return nil, types.NewUpstreamError("embedding", "解析响应JSON失败", err)
	}

	// 部分供应商在200响应里带API级错误
	if parsedResp.Error != nil && parsedResp.Error.Message != "" {
		return nil, types.NewUpstreamError("embedding",
			fmt.Sprintf("API返回错误: 类型=%s, 消息='%s'", parsedResp.Error.Type, parsedResp.Error.Message), nil)
	}

	outputEmbeddings := make([][]float64, len(parsedResp.Data))
	for i, dataEntry := range parsedResp.Data {
		outputEmbeddings[i] = dataEntry.Embedding
	}

	logger.Ctx(ctx).Debug().
		Int("texts", len(texts)).
		Int("first_dim", firstEmbeddingDim(outputEmbeddings)).
		Int("total_tokens", parsedResp.Usage.TotalTokens).
		Msg("文本向量化完成")

	return outputEmbeddings, nil
}

func firstEmbeddingDim(embeddings [][]float64) int {
	if len(embeddings) > 0 {
		return len(embeddings[0])
	}
	return 0
}

func truncateForLog(s string) string {
	const maxLen = 300
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// TruncateEmbedding 截断嵌入向量的字符串表示，仅用于调试日志
func TruncateEmbedding(vector []float64) string {
	const maxLen = 6
	const showEachSide = 3

	if len(vector) <= maxLen {
		return fmt.Sprintf("%v", vector)
	}

	var truncated []string
	for i := 0; i < showEachSide; i++ {
		truncated = append(truncated, fmt.Sprintf("%.4f", vector[i]))
	}
	truncated = append(truncated, "...")
	for i := len(vector) - showEachSide; i < len(vector); i++ {
		truncated = append(truncated, fmt.Sprintf("%.4f", vector[i]))
	}
	return fmt.Sprintf("[%s]", strings.Join(truncated, ", "))
}
