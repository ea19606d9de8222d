package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockResponse 定义了 MockChatClient 的单次预期响应
type MockResponse struct {
	Content string
	Error   error
}

// MockChatClient 是一个用于测试的 model.ChatModel 的模拟实现
type MockChatClient struct {
	ExpectedResponse string
	ExpectedError    error

	SequentialResponses []MockResponse
	ResponseIndex       int
	IsSequential        bool

	// RawStreamFrames 为非空时，StreamRaw 返回按原样拼接的SSE帧
	RawStreamFrames []string

	ReceivedMessages []*schema.Message
}

var _ model.ChatModel = (*MockChatClient)(nil)

// NewMockChatClient 创建一个返回固定响应的 MockChatClient
func NewMockChatClient(expectedResponse string, expectedError error) *MockChatClient {
	return &MockChatClient{
		ExpectedResponse: expectedResponse,
		ExpectedError:    expectedError,
		ReceivedMessages: make([]*schema.Message, 0),
	}
}

// NewMockChatClientSequential 创建一个按顺序返回不同响应的 MockChatClient
func NewMockChatClientSequential(responses []MockResponse) *MockChatClient {
	if len(responses) == 0 {
		return &MockChatClient{
			IsSequential:        true,
			SequentialResponses: []MockResponse{{Error: errors.New("mock client has no responses configured")}},
			ReceivedMessages:    make([]*schema.Message, 0),
		}
	}
	return &MockChatClient{
		SequentialResponses: responses,
		IsSequential:        true,
		ReceivedMessages:    make([]*schema.Message, 0),
	}
}

// Generate 模拟 LLM 的 Generate 方法
func (m *MockChatClient) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	currentReceived := make([]*schema.Message, len(input))
	copy(currentReceived, input)
	m.ReceivedMessages = append(m.ReceivedMessages, currentReceived...)

	if m.IsSequential {
		if m.ResponseIndex >= len(m.SequentialResponses) {
			return nil, errors.New("mock client has run out of sequential responses")
		}
		resp := m.SequentialResponses[m.ResponseIndex]
		m.ResponseIndex++

		if resp.Error != nil {
			return nil, resp.Error
		}
		return schema.AssistantMessage(resp.Content, nil), nil
	}

	if m.ExpectedError != nil {
		return nil, m.ExpectedError
	}
	return schema.AssistantMessage(m.ExpectedResponse, nil), nil
}

// Stream 模拟 LLM 的 Stream 方法，把固定响应作为单条增量返回
func (m *MockChatClient) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	currentReceived := make([]*schema.Message, len(input))
	copy(currentReceived, input)
	m.ReceivedMessages = append(m.ReceivedMessages, currentReceived...)

	if m.ExpectedError != nil {
		return nil, m.ExpectedError
	}

	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage(m.ExpectedResponse, nil), nil)
	}()
	return sr, nil
}

// StreamRaw 返回预置SSE帧的原始读取器
func (m *MockChatClient) StreamRaw(ctx context.Context, input []*schema.Message) (io.ReadCloser, error) {
	currentReceived := make([]*schema.Message, len(input))
	copy(currentReceived, input)
	m.ReceivedMessages = append(m.ReceivedMessages, currentReceived...)

	if m.ExpectedError != nil {
		return nil, m.ExpectedError
	}
	if len(m.RawStreamFrames) == 0 {
		return nil, fmt.Errorf("mock client has no raw stream frames configured")
	}
	return io.NopCloser(strings.NewReader(strings.Join(m.RawStreamFrames, ""))), nil
}

// BindTools 模拟绑定工具的方法
func (m *MockChatClient) BindTools(tools []*schema.ToolInfo) error {
	return nil
}

// GetReceivedMessages 返回所有调用中累积的已接收消息
func (m *MockChatClient) GetReceivedMessages() []*schema.Message {
	return m.ReceivedMessages
}
