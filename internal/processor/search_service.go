package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/constants"
	"alumni-search-go/internal/logger"
	"alumni-search-go/internal/storage"
	"alumni-search-go/internal/tracing"
	"alumni-search-go/internal/types"
)

var searchTracer = otel.Tracer("alumni-search-go/processor/search")

// StreamEmitter 流式搜索的事件出口，由HTTP层实现
type StreamEmitter interface {
	// Emit 发送一个事件。返回错误表示客户端已断开，流水线应当停止。
	Emit(eventType string, data interface{}) error
}

// SearchService 搜索流水线编排器:
// 查询向量化 → 向量召回 → 人级聚合 → 档案补全 → 模型重排。
// 嵌入和召回失败是请求级致命错误；重排失败降级为本地兜底。
type SearchService struct {
	embedder embedding.Embedder
	searcher storage.ChunkSearcher
	cache    *storage.Redis // 可以为nil, 此时不做结果缓存

	aggregator *Aggregator
	enricher   *Enricher
	reranker   *Reranker

	policy *config.SearchPolicyConfig
}

// NewSearchService 创建搜索服务
func NewSearchService(
	embedder embedding.Embedder,
	searcher storage.ChunkSearcher,
	store storage.ProfileStore,
	cache *storage.Redis,
	reranker *Reranker,
	policy *config.SearchPolicyConfig,
) *SearchService {
	if policy == nil {
		p := config.DefaultSearchPolicy()
		policy = &p
	}
	return &SearchService{
		embedder:   embedder,
		searcher:   searcher,
		cache:      cache,
		aggregator: NewAggregator(policy),
		enricher:   NewEnricher(store, policy),
		reranker:   reranker,
		policy:     policy,
	}
}

// pipelineTrace 流水线各阶段的耗时记录器
type pipelineTrace struct {
	start time.Time
	steps []types.TraceStep
}

func newPipelineTrace() *pipelineTrace {
	return &pipelineTrace{start: time.Now()}
}

func (t *pipelineTrace) record(step string, stepStart time.Time) {
	t.steps = append(t.steps, types.TraceStep{
		Step:      step,
		ElapsedMS: time.Since(stepStart).Milliseconds(),
	})
}

func (t *pipelineTrace) debugInfo(cacheHit bool) *types.DebugInfo {
	return &types.DebugInfo{
		Steps:       t.steps,
		TotalTimeMS: time.Since(t.start).Milliseconds(),
		CacheHit:    cacheHit,
	}
}

// QueryHash 规范化查询并计算缓存键哈希
func QueryHash(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Search 执行完整的非流式搜索。
// 对格式正确的请求永远返回响应信封，致命错误通过Error字段表达。
func (s *SearchService) Search(ctx context.Context, query string) *types.SearchResponse {
	ctx, span := searchTracer.Start(ctx, "SearchService.Search")
	defer span.End()
	span.SetAttributes(attribute.String("search.query", tracing.SafeQueryText(query)))

	trace := newPipelineTrace()

	query = strings.TrimSpace(query)
	if query == "" {
		return &types.SearchResponse{
			Results: []types.RankedResult{},
			Error:   "query is required",
		}
	}

	queryHash := QueryHash(query)

	// 缓存探测
	if s.cache != nil {
		if cached, err := s.cache.GetCachedSearchResults(ctx, queryHash); err == nil {
			logger.Ctx(ctx).Info().Str("query_hash", queryHash).Int("results", len(cached.Results)).Msg("命中搜索结果缓存")
			cached.Debug = trace.debugInfo(true)
			return cached
		} else if !errors.Is(err, storage.ErrNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Msg("读取搜索结果缓存失败, 继续执行流水线")
		}
	}

	candidates, fatal := s.runRecallStages(ctx, query, trace)
	if fatal != nil {
		tracing.RecordError(span, fatal, tracing.ErrorTypeExternal)
		return &types.SearchResponse{
			Results: []types.RankedResult{},
			Error:   fatal.Error(),
			Debug:   trace.debugInfo(false),
		}
	}

	stepStart := time.Now()
	outcome := s.reranker.Rerank(ctx, query, candidates)
	trace.record("rerank", stepStart)

	resp := &types.SearchResponse{
		Results:  outcome.Results,
		Fallback: outcome.Fallback,
		Error:    outcome.ErrMessage,
		Debug:    trace.debugInfo(false),
	}

	// 只缓存正常路径的非空结果，兜底集不缓存
	if !outcome.Fallback && len(outcome.Results) > 0 {
		s.cacheResults(ctx, queryHash, resp)
	}

	logger.Ctx(ctx).Info().
		Str("query_hash", queryHash).
		Int("results", len(resp.Results)).
		Bool("fallback", resp.Fallback).
		Int64("total_ms", resp.Debug.TotalTimeMS).
		Msg("搜索完成")

	return resp
}

// SearchStream 执行流式搜索，事件经emitter发给客户端。
// 缓存命中时立即回放全部结果。召回阶段失败发error事件后结束。
func (s *SearchService) SearchStream(ctx context.Context, query string, emitter StreamEmitter) {
	ctx, span := searchTracer.Start(ctx, "SearchService.SearchStream")
	defer span.End()
	span.SetAttributes(attribute.String("search.query", tracing.SafeQueryText(query)))

	trace := newPipelineTrace()
	nowMS := func() int64 { return time.Now().UnixMilli() }

	query = strings.TrimSpace(query)
	if query == "" {
		emitter.Emit(types.StreamEventError, types.StreamErrorEvent{
			Type: types.StreamEventError, Message: "query is required", TimestampMS: nowMS(),
		})
		return
	}

	queryHash := QueryHash(query)

	// 缓存命中直接回放
	if s.cache != nil {
		if cached, err := s.cache.GetCachedSearchResults(ctx, queryHash); err == nil {
			logger.Ctx(ctx).Info().Str("query_hash", queryHash).Msg("命中缓存, 回放流式结果")
			s.replayCached(cached, emitter, trace)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Msg("读取搜索结果缓存失败, 继续执行流水线")
		}
	}

	candidates, fatal := s.runRecallStages(ctx, query, trace)
	if fatal != nil {
		tracing.RecordError(span, fatal, tracing.ErrorTypeExternal)
		emitter.Emit(types.StreamEventError, types.StreamErrorEvent{
			Type: types.StreamEventError, Message: fatal.Error(), TimestampMS: nowMS(),
		})
		return
	}

	if err := emitter.Emit(types.StreamEventStart, types.StreamStartEvent{
		Type:            types.StreamEventStart,
		TotalCandidates: s.reranker.CandidateCount(candidates),
		TimestampMS:     nowMS(),
	}); err != nil {
		logger.Ctx(ctx).Info().Err(err).Msg("客户端已断开, 中止流式搜索")
		return
	}

	collected := make([]types.RankedResult, 0, s.policy.MaxResults)
	total, err := s.reranker.RerankStream(ctx, query, candidates, func(index int, result types.RankedResult) error {
		collected = append(collected, result)
		return emitter.Emit(types.StreamEventResult, types.StreamResultEvent{
			Type:        types.StreamEventResult,
			Index:       index,
			Result:      result,
			TimestampMS: nowMS(),
		})
	})
	if err != nil {
		// 流中途失败: 发error事件, 之后不再有任何事件
		logger.Ctx(ctx).Warn().Err(err).Int("emitted", total).Msg("流式重排失败")
		emitter.Emit(types.StreamEventError, types.StreamErrorEvent{
			Type: types.StreamEventError, Message: err.Error(), TimestampMS: nowMS(),
		})
		return
	}

	emitter.Emit(types.StreamEventComplete, types.StreamCompleteEvent{
		Type:         types.StreamEventComplete,
		TotalResults: total,
		TotalTimeMS:  time.Since(trace.start).Milliseconds(),
	})

	if total > 0 {
		s.cacheResults(ctx, queryHash, &types.SearchResponse{Results: collected})
	}

	logger.Ctx(ctx).Info().Str("query_hash", queryHash).Int("results", total).Msg("流式搜索完成")
}

// runRecallStages 执行嵌入、召回、聚合、补全四个阶段。
// 返回的error表示请求级致命失败。
func (s *SearchService) runRecallStages(ctx context.Context, query string, trace *pipelineTrace) ([]types.EnrichedCandidate, error) {
	stepStart := time.Now()
	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	trace.record("embed_query", stepStart)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("查询向量化失败")
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, types.NewUpstreamError("embedding", "上游返回了空向量", nil)
	}

	stepStart = time.Now()
	hits, err := s.searcher.SearchChunks(ctx, vectors[0], s.policy.RecallLimit)
	trace.record("vector_search", stepStart)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("向量召回失败")
		return nil, err
	}

	stepStart = time.Now()
	aggs := s.aggregator.Aggregate(hits)
	shortlist := s.aggregator.Shortlist(aggs)
	trace.record("aggregate", stepStart)

	logger.Ctx(ctx).Debug().
		Int("chunks", len(hits)).
		Int("unique_people", len(aggs)).
		Int("shortlist", len(shortlist)).
		Msg("聚合完成")

	stepStart = time.Now()
	candidates, err := s.enricher.Enrich(ctx, shortlist)
	trace.record("fetch_profiles", stepStart)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("档案补全失败")
		return nil, err
	}

	return candidates, nil
}

// replayCached 把缓存的结果集按流式事件回放
func (s *SearchService) replayCached(cached *types.SearchResponse, emitter StreamEmitter, trace *pipelineTrace) {
	nowMS := func() int64 { return time.Now().UnixMilli() }

	if err := emitter.Emit(types.StreamEventStart, types.StreamStartEvent{
		Type:            types.StreamEventStart,
		TotalCandidates: len(cached.Results),
		TimestampMS:     nowMS(),
	}); err != nil {
		return
	}

	for i, result := range cached.Results {
		if err := emitter.Emit(types.StreamEventResult, types.StreamResultEvent{
			Type:        types.StreamEventResult,
			Index:       i + 1,
			Result:      result,
			TimestampMS: nowMS(),
		}); err != nil {
			return
		}
	}

	emitter.Emit(types.StreamEventComplete, types.StreamCompleteEvent{
		Type:         types.StreamEventComplete,
		TotalResults: len(cached.Results),
		TotalTimeMS:  time.Since(trace.start).Milliseconds(),
	})
}

// cacheResults 在分布式锁保护下写入结果缓存
func (s *SearchService) cacheResults(ctx context.Context, queryHash string, resp *types.SearchResponse) {
	if s.cache == nil {
		return
	}

	lockValue, err := s.cache.AcquireLock(ctx, queryHash, constants.SearchLockDuration)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("获取缓存写锁失败, 跳过缓存")
		return
	}
	if lockValue == "" {
		// 别的请求正在写同一个键
		return
	}
	defer func() {
		if _, err := s.cache.ReleaseLock(ctx, queryHash, lockValue); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("释放缓存写锁失败")
		}
	}()

	// 缓存副本不带调试信息
	toCache := &types.SearchResponse{Results: resp.Results}
	if err := s.cache.CacheSearchResults(ctx, queryHash, toCache, constants.SearchResultCacheDuration); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("写入搜索结果缓存失败")
	}
}
