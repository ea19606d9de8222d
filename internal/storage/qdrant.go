package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/tracing"
	"alumni-search-go/internal/types"
)

// 定义Qdrant的专用tracer
var qdrantTracer = otel.Tracer("alumni-search-go/storage/qdrant")

// ChunkSearcher 分块向量召回接口
type ChunkSearcher interface {
	// SearchChunks 按查询向量召回最相似的分块，按相似度降序返回
	SearchChunks(ctx context.Context, queryVector []float64, matchCount int) ([]types.ChunkHit, error)
}

// 确保Qdrant实现了ChunkSearcher接口
var _ ChunkSearcher = (*Qdrant)(nil)

// Qdrant 分块向量库客户端。向量库本身是黑盒的最近邻服务，
// 这里只封装 REST 查询。
type Qdrant struct {
	endpoint       string
	collectionName string
	vectorSize     int
	distanceMetric string
	apiKey         string
	httpClient     *http.Client
}

// QdrantOption 定义Qdrant构造函数选项
type QdrantOption func(*Qdrant)

// WithDistanceMetric 设置距离度量
func WithDistanceMetric(metric string) QdrantOption {
	return func(q *Qdrant) {
		q.distanceMetric = metric
	}
}

// WithHTTPTimeout 设置HTTP客户端超时
func WithHTTPTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// NewQdrant 创建Qdrant客户端并确认集合存在
func NewQdrant(cfg *config.QdrantConfig, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:6333"
	}

	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = "profile_chunks"
	}

	vectorSize := cfg.Dimension
	if vectorSize <= 0 {
		vectorSize = 2000 // 与OpenAI text-embedding-3-large的请求维度一致
	}

	timeout := 10 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	q := &Qdrant{
		endpoint:       endpoint,
		collectionName: collectionName,
		vectorSize:     vectorSize,
		distanceMetric: "Cosine",
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: timeout},
	}

	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureCollectionExists(context.Background()); err != nil {
		return nil, fmt.Errorf("确认集合 '%s' 存在失败: %w", collectionName, err)
	}

	return q, nil
}

// ensureCollectionExists 确认分块集合存在且配置匹配。
// 本服务不负责写入分块（由独立的导入流程维护），集合缺失视为部署错误。
func (q *Qdrant) ensureCollectionExists(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.EnsureCollectionExists",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "check_collection"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("db.vector_size", q.vectorSize),
	)

	var collectionInfo struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}

	err := q.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", q.collectionName), nil, &collectionInfo)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return err
	}

	existingSize := collectionInfo.Result.Config.Params.Vectors.Size
	existingDistance := collectionInfo.Result.Config.Params.Vectors.Distance

	span.SetAttributes(
		attribute.Int("collection.existing_vector_size", existingSize),
		attribute.String("collection.existing_distance", existingDistance),
	)

	if existingSize != q.vectorSize || existingDistance != q.distanceMetric {
		span.AddEvent("collection_config_mismatch", trace.WithAttributes(
			attribute.Int("expected_vector_size", q.vectorSize),
			attribute.String("expected_distance", q.distanceMetric),
		))
		return fmt.Errorf("集合 '%s' 配置不匹配: 现有维度=%d/距离=%s, 期望维度=%d/距离=%s",
			q.collectionName, existingSize, existingDistance, q.vectorSize, q.distanceMetric)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// SearchChunks 按查询向量召回分块命中。
// 结果按相似度降序排列，同分按 chunk_id 升序，保证排序可复现。
func (q *Qdrant) SearchChunks(ctx context.Context, queryVector []float64, matchCount int) ([]types.ChunkHit, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.SearchChunks",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "search_vectors"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("search.limit", matchCount),
		attribute.Int("query_vector.size", len(queryVector)),
	)

	if len(queryVector) != q.vectorSize {
		err := fmt.Errorf("查询向量维度(%d)与配置维度(%d)不匹配", len(queryVector), q.vectorSize)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}

	if matchCount <= 0 {
		matchCount = 200
	}

	searchReq := map[string]interface{}{
		"vector":       queryVector,
		"limit":        matchCount,
		"with_payload": true,
	}

	var result struct {
		Result []struct {
			ID      string                 `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
		Status string  `json:"status"`
		Time   float64 `json:"time"`
	}

	err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", q.collectionName), searchReq, &result)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, types.NewUpstreamError("vector_search", "", err)
	}

	hits := make([]types.ChunkHit, 0, len(result.Result))
	for _, point := range result.Result {
		hit := decodeChunkPayload(point.ID, point.Score, point.Payload)
		if hit.PersonID == "" {
			// 缺少归属人的分块无法参与聚合，直接丢弃
			span.AddEvent("chunk_without_person_id", trace.WithAttributes(
				attribute.String("chunk_id", point.ID),
			))
			continue
		}
		hits = append(hits, hit)
	}

	// 同分用chunk_id做次级排序键，消除上游返回顺序的不确定性
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	span.SetAttributes(
		attribute.Int("search.results.count", len(hits)),
		attribute.String("qdrant.response_status", result.Status),
		attribute.Float64("qdrant.response_time", result.Time),
	)

	span.SetStatus(codes.Ok, "")
	return hits, nil
}

// decodeChunkPayload 将Qdrant载荷解码为ChunkHit
func decodeChunkPayload(pointID string, score float64, payload map[string]interface{}) types.ChunkHit {
	hit := types.ChunkHit{
		ChunkID:    pointID,
		Similarity: score,
	}
	if v, ok := payload["chunk_id"].(string); ok && v != "" {
		hit.ChunkID = v
	}
	if v, ok := payload["person_id"].(string); ok {
		hit.PersonID = v
	}
	if v, ok := payload["chunk_type"].(string); ok {
		hit.ChunkType = v
	}
	if v, ok := payload["text_raw"].(string); ok {
		hit.TextRaw = v
	}
	if v, ok := payload["text_norm"].(string); ok {
		hit.TextNorm = v
	}
	return hit
}

// CountPoints 返回集合中的分块总数（健康检查用）
func (q *Qdrant) CountPoints(ctx context.Context) (int64, error) {
	var result struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	err := q.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/count", q.collectionName),
		map[string]interface{}{"exact": false}, &result)
	if err != nil {
		return 0, err
	}
	return result.Result.Count, nil
}

// doRequest 执行一次Qdrant REST请求并解析响应
func (q *Qdrant) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	ctx, span := qdrantTracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", path),
	)

	var req *http.Request
	var err error

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}

		req, err = http.NewRequestWithContext(ctx, method, q.endpoint+path, bytes.NewBuffer(jsonBody))
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		span.SetAttributes(attribute.Int("http.request.body.size", len(jsonBody)))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, q.endpoint+path, nil)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
	}

	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	// 注入trace context
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return err
	}

	span.SetAttributes(attribute.Int("http.response.body.size", len(respBody)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("qdrant API error: status=%d, body=%s", resp.StatusCode, tracing.TruncateString(string(respBody), tracing.DefaultMaxLength))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, result); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
