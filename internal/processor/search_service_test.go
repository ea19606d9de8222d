package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni-search-go/internal/agent"
	"alumni-search-go/internal/storage/models"
	"alumni-search-go/internal/types"
)

// fakeEmbedder 固定向量或固定错误的嵌入器
type fakeEmbedder struct {
	vector []float64
	err    error
	calls  int
}

var _ embedding.Embedder = (*fakeEmbedder)(nil)

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

// fakeSearcher 固定命中集的向量召回
type fakeSearcher struct {
	hits       []types.ChunkHit
	err        error
	calls      int
	lastLimit  int
	lastVector []float64
}

func (f *fakeSearcher) SearchChunks(ctx context.Context, queryVector []float64, matchCount int) ([]types.ChunkHit, error) {
	f.calls++
	f.lastLimit = matchCount
	f.lastVector = queryVector
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

// memoryEmitter 收集流式事件，可配置在第N次Emit后模拟客户端断开
type memoryEmitter struct {
	events []emittedEvent
	failAt int // 0表示不失败
}

type emittedEvent struct {
	eventType string
	data      interface{}
}

func (m *memoryEmitter) Emit(eventType string, data interface{}) error {
	if m.failAt > 0 && len(m.events)+1 >= m.failAt {
		return errors.New("client disconnected")
	}
	m.events = append(m.events, emittedEvent{eventType, data})
	return nil
}

func newTestService(embedder *fakeEmbedder, searcher *fakeSearcher, store *fakeProfileStore, model *agent.MockChatClient) *SearchService {
	return NewSearchService(embedder, searcher, store, nil, NewReranker(model, nil, nil), nil)
}

func defaultRecallFixture() (*fakeEmbedder, *fakeSearcher, *fakeProfileStore) {
	embedder := &fakeEmbedder{vector: []float64{0.1, 0.2, 0.3}}
	searcher := &fakeSearcher{hits: []types.ChunkHit{
		{ChunkID: "c1", PersonID: "p1", ChunkType: "work", TextRaw: "CEO at Acme", Similarity: 0.9},
		{ChunkID: "c2", PersonID: "p2", ChunkType: "about", TextRaw: "VC in Boston", Similarity: 0.7},
	}}
	store := &fakeProfileStore{people: []models.Person{
		{PersonID: "p1", FullName: "Alice Wang"},
		{PersonID: "p2", FullName: "Bob Smith"},
	}}
	return embedder, searcher, store
}

// TestSearch_FullPipeline 完整批量搜索：召回→聚合→补全→重排
func TestSearch_FullPipeline(t *testing.T) {
	embedder, searcher, store := defaultRecallFixture()
	model := agent.NewMockChatClient(
		`{"results":[{"person_id":"p1","why_relevant":"Runs Acme."}]}`, nil)
	svc := newTestService(embedder, searcher, store, model)

	resp := svc.Search(context.Background(), "AI founders in Boston")

	require.Empty(t, resp.Error)
	assert.False(t, resp.Fallback)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p1", resp.Results[0].PersonID)
	assert.Equal(t, "Runs Acme.", resp.Results[0].WhyRelevant)

	// 召回上限来自策略配置
	assert.Equal(t, 200, searcher.lastLimit)

	// 四个召回阶段加重排共五步耗时记录
	require.NotNil(t, resp.Debug)
	require.Len(t, resp.Debug.Steps, 5)
	assert.Equal(t, "embed_query", resp.Debug.Steps[0].Step)
	assert.Equal(t, "rerank", resp.Debug.Steps[4].Step)
}

// TestSearch_EmptyQuery 空查询直接返回错误信封，不动任何上游
func TestSearch_EmptyQuery(t *testing.T) {
	embedder, searcher, store := defaultRecallFixture()
	svc := newTestService(embedder, searcher, store, agent.NewMockChatClient("", nil))

	resp := svc.Search(context.Background(), "   ")

	assert.Empty(t, resp.Results)
	assert.Equal(t, "query is required", resp.Error)
	assert.Zero(t, embedder.calls)
	assert.Zero(t, searcher.calls)
}

// TestSearch_EmbeddingFailureIsFatal 嵌入失败时返回错误信封，
// 向量召回和重排都不会被调用
func TestSearch_EmbeddingFailureIsFatal(t *testing.T) {
	embedder := &fakeEmbedder{err: types.NewUpstreamError("embedding", "状态码: 500", nil)}
	searcher := &fakeSearcher{}
	model := agent.NewMockChatClient(`{"results":[]}`, nil)
	svc := newTestService(embedder, searcher, &fakeProfileStore{}, model)

	resp := svc.Search(context.Background(), "AI startups")

	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, searcher.calls, "嵌入失败后不应调用向量召回")
	assert.Empty(t, model.GetReceivedMessages(), "嵌入失败后不应调用重排模型")
}

// TestSearch_EmptyVectorIsFatal 上游返回空向量视同嵌入失败
func TestSearch_EmptyVectorIsFatal(t *testing.T) {
	embedder := &fakeEmbedder{vector: nil}
	searcher := &fakeSearcher{}
	svc := newTestService(embedder, searcher, &fakeProfileStore{}, agent.NewMockChatClient("", nil))

	resp := svc.Search(context.Background(), "query")

	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, searcher.calls)
}

// TestSearch_VectorSearchFailureIsFatal 召回失败同样是请求级致命错误
func TestSearch_VectorSearchFailureIsFatal(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float64{0.1}}
	searcher := &fakeSearcher{err: types.NewUpstreamError("vector_search", "", errors.New("timeout"))}
	model := agent.NewMockChatClient(`{"results":[]}`, nil)
	svc := newTestService(embedder, searcher, &fakeProfileStore{}, model)

	resp := svc.Search(context.Background(), "query")

	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, model.GetReceivedMessages())
}

// TestSearch_RerankFailureDegradesToFallback 重排失败不让请求失败，
// 返回兜底集和降级说明
func TestSearch_RerankFailureDegradesToFallback(t *testing.T) {
	embedder, searcher, store := defaultRecallFixture()
	model := agent.NewMockChatClient("", errors.New("model down"))
	svc := newTestService(embedder, searcher, store, model)

	resp := svc.Search(context.Background(), "AI founders")

	assert.True(t, resp.Fallback)
	assert.Equal(t, "rerank failed, using relevance score fallback", resp.Error)
	assert.NotEmpty(t, resp.Results, "兜底路径仍应返回可用结果")
}

// TestSearchStream_EventSequence 流式搜索事件序列: start → result* → complete
func TestSearchStream_EventSequence(t *testing.T) {
	embedder, searcher, store := defaultRecallFixture()
	model := agent.NewMockChatClient("", nil)
	model.RawStreamFrames = []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"{\\\"results\\\":[{\\\"person_id\\\":\\\"p1\\\",\\\"why_relevant\\\":\\\"Runs Acme.\\\"},{\\\"person_id\\\":\\\"p2\\\",\\\"why_relevant\\\":\\\"Invests in AI.\\\"}]}\"}}]}\n\n",
		"data: [DONE]\n\n",
	}
	svc := newTestService(embedder, searcher, store, model)

	emitter := &memoryEmitter{}
	svc.SearchStream(context.Background(), "AI founders", emitter)

	require.Len(t, emitter.events, 4)
	assert.Equal(t, types.StreamEventStart, emitter.events[0].eventType)
	assert.Equal(t, types.StreamEventResult, emitter.events[1].eventType)
	assert.Equal(t, types.StreamEventResult, emitter.events[2].eventType)
	assert.Equal(t, types.StreamEventComplete, emitter.events[3].eventType)

	start := emitter.events[0].data.(types.StreamStartEvent)
	assert.Equal(t, 2, start.TotalCandidates)

	first := emitter.events[1].data.(types.StreamResultEvent)
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "p1", first.Result.PersonID)

	second := emitter.events[2].data.(types.StreamResultEvent)
	assert.Equal(t, 2, second.Index)
	assert.Equal(t, "p2", second.Result.PersonID)

	complete := emitter.events[3].data.(types.StreamCompleteEvent)
	assert.Equal(t, 2, complete.TotalResults)
}

// TestSearchStream_EmptyQueryEmitsError 空查询发单个error事件
func TestSearchStream_EmptyQueryEmitsError(t *testing.T) {
	embedder, searcher, store := defaultRecallFixture()
	svc := newTestService(embedder, searcher, store, agent.NewMockChatClient("", nil))

	emitter := &memoryEmitter{}
	svc.SearchStream(context.Background(), "", emitter)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, types.StreamEventError, emitter.events[0].eventType)
	assert.Zero(t, embedder.calls)
}

// TestSearchStream_RecallFailureEmitsError 召回阶段失败只发error事件，
// 之后不再有任何事件
func TestSearchStream_RecallFailureEmitsError(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embedding unavailable")}
	svc := newTestService(embedder, &fakeSearcher{}, &fakeProfileStore{}, agent.NewMockChatClient("", nil))

	emitter := &memoryEmitter{}
	svc.SearchStream(context.Background(), "query", emitter)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, types.StreamEventError, emitter.events[0].eventType)
}

// TestSearchStream_ClientDisconnectStopsPipeline 客户端断开后流水线停止，
// 不再尝试发送后续事件
func TestSearchStream_ClientDisconnectStopsPipeline(t *testing.T) {
	embedder, searcher, store := defaultRecallFixture()
	model := agent.NewMockChatClient("", nil)
	model.RawStreamFrames = []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"{\\\"results\\\":[{\\\"person_id\\\":\\\"p1\\\",\\\"why_relevant\\\":\\\"a\\\"},{\\\"person_id\\\":\\\"p2\\\",\\\"why_relevant\\\":\\\"b\\\"}]}\"}}]}\n\n",
		"data: [DONE]\n\n",
	}
	svc := newTestService(embedder, searcher, store, model)

	// start事件成功，第一个result事件即断开
	emitter := &memoryEmitter{failAt: 2}
	svc.SearchStream(context.Background(), "query", emitter)

	require.Len(t, emitter.events, 1, "断开后不应再收到事件")
	assert.Equal(t, types.StreamEventStart, emitter.events[0].eventType)
}

// TestQueryHash_Normalization 哈希前做大小写和首尾空白规范化
func TestQueryHash_Normalization(t *testing.T) {
	assert.Equal(t, QueryHash("AI Startups"), QueryHash("  ai startups  "))
	assert.NotEqual(t, QueryHash("ai startups"), QueryHash("ml startups"))
	assert.Len(t, QueryHash("anything"), 64)
}
