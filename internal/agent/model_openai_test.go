package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni-search-go/internal/types"
)

func rerankMessages() []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage("You rank people."),
		schema.UserMessage(`{"query":"AI founders","candidates":[]}`),
	}
}

// TestGenerate_Success 验证请求构造（强制json_object）和响应解析
func TestGenerate_Success(t *testing.T) {
	var receivedBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receivedBody))

		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-5-nano",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "{\"results\":[]}"},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer server.Close()

	chatModel, err := NewOpenAIChatModel("test-key", "gpt-5-nano", server.URL, 10*time.Second)
	require.NoError(t, err)

	msg, err := chatModel.Generate(context.Background(), rerankMessages())
	require.NoError(t, err)
	assert.Equal(t, schema.Assistant, msg.Role)
	assert.Equal(t, `{"results":[]}`, msg.Content)

	assert.Equal(t, "gpt-5-nano", receivedBody["model"])
	rf, ok := receivedBody["response_format"].(map[string]interface{})
	require.True(t, ok, "重排请求必须强制JSON输出")
	assert.Equal(t, "json_object", rf["type"])
	assert.Nil(t, receivedBody["stream"], "批量模式不应设置stream")
}

// TestGenerate_Non200WrapsUpstreamError 非200响应包装为UpstreamError
func TestGenerate_Non200WrapsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	chatModel, err := NewOpenAIChatModel("test-key", "", server.URL, 10*time.Second)
	require.NoError(t, err)

	_, err = chatModel.Generate(context.Background(), rerankMessages())
	require.Error(t, err)

	var upstreamErr *types.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "rerank", upstreamErr.Component)
	assert.Contains(t, upstreamErr.Message, "429")
}

// TestGenerate_EmptyChoices 空choices视为上游错误
func TestGenerate_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "chatcmpl-1", "choices": []}`))
	}))
	defer server.Close()

	chatModel, err := NewOpenAIChatModel("test-key", "", server.URL, 10*time.Second)
	require.NoError(t, err)

	_, err = chatModel.Generate(context.Background(), rerankMessages())
	assert.Error(t, err)
}

// TestStreamRaw_SetsStreamFlagAndReturnsBody 流式请求带stream:true，
// 响应体原样透传给调用方
func TestStreamRaw_SetsStreamFlagAndReturnsBody(t *testing.T) {
	var receivedBody map[string]interface{}
	rawSSE := "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\ndata: [DONE]\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receivedBody))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(rawSSE))
	}))
	defer server.Close()

	chatModel, err := NewOpenAIChatModel("test-key", "", server.URL, 10*time.Second)
	require.NoError(t, err)

	body, err := chatModel.StreamRaw(context.Background(), rerankMessages())
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, true, receivedBody["stream"])

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, rawSSE, string(data), "SSE帧应原样透传")
}

// TestStream_DecodesDeltas Stream把SSE帧解码为增量消息序列
func TestStream_DecodesDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"foo\"}}]}\n\n" +
			"data: not json\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"bar\"}}]}\n\n" +
			"data: [DONE]\n\n"))
	}))
	defer server.Close()

	chatModel, err := NewOpenAIChatModel("test-key", "", server.URL, 10*time.Second)
	require.NoError(t, err)

	reader, err := chatModel.Stream(context.Background(), rerankMessages())
	require.NoError(t, err)
	defer reader.Close()

	var parts []string
	for {
		msg, err := reader.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		parts = append(parts, msg.Content)
	}

	assert.Equal(t, []string{"foo", "bar"}, parts, "坏帧跳过, 增量按序交付")
}

// TestBindTools_Rejected 重排模型不支持工具调用
func TestBindTools_Rejected(t *testing.T) {
	chatModel, err := NewOpenAIChatModel("test-key", "", "", 0)
	require.NoError(t, err)

	assert.NoError(t, chatModel.BindTools(nil))
	assert.Error(t, chatModel.BindTools([]*schema.ToolInfo{{Name: "search"}}))
}

// TestNewOpenAIChatModel_Defaults 缺省模型名和端点
func TestNewOpenAIChatModel_Defaults(t *testing.T) {
	chatModel, err := NewOpenAIChatModel("test-key", "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5-nano", chatModel.ModelName())

	_, err = NewOpenAIChatModel("", "", "", 0)
	assert.Error(t, err, "缺少密钥应失败")
}
