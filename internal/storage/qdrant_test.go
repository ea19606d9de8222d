package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/storage"
	"alumni-search-go/internal/types"
)

// collectionInfoJSON 模拟集合信息响应
func collectionInfoJSON(size int, distance string) string {
	return fmt.Sprintf(`{
		"result": {
			"config": {
				"params": {
					"vectors": {"size": %d, "distance": "%s"}
				}
			}
		}
	}`, size, distance)
}

// newQdrantTestServer 同时处理集合检查和搜索两类请求
func newQdrantTestServer(t *testing.T, collection string, dimension int, searchResponse string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/"+collection:
			w.Write([]byte(collectionInfoJSON(dimension, "Cosine")))
		case r.Method == http.MethodPost && r.URL.Path == "/collections/"+collection+"/points/search":
			w.Write([]byte(searchResponse))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// TestNewQdrant_CollectionExists 集合存在且配置匹配时初始化成功
func TestNewQdrant_CollectionExists(t *testing.T) {
	server := newQdrantTestServer(t, "profile_chunks", 4, `{"result": []}`)
	defer server.Close()

	client, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "profile_chunks",
		Dimension:  4,
	}, storage.WithHTTPTimeout(5*time.Second))

	require.NoError(t, err)
	require.NotNil(t, client)
}

// TestNewQdrant_CollectionMissing 集合不存在视为部署错误，初始化失败
func TestNewQdrant_CollectionMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status": {"error": "Collection not found"}}`))
	}))
	defer server.Close()

	_, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "missing_collection",
		Dimension:  4,
	})

	assert.Error(t, err)
}

// TestNewQdrant_DimensionMismatch 集合维度与配置不一致时初始化失败
func TestNewQdrant_DimensionMismatch(t *testing.T) {
	server := newQdrantTestServer(t, "profile_chunks", 1024, `{"result": []}`)
	defer server.Close()

	_, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "profile_chunks",
		Dimension:  2000,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "配置不匹配")
}

// TestSearchChunks_DecodeAndSort 命中解码、排序和无归属分块过滤
func TestSearchChunks_DecodeAndSort(t *testing.T) {
	searchResponse := `{
		"result": [
			{"id": "q1", "score": 0.7, "payload": {"chunk_id": "c-b", "person_id": "p1", "chunk_type": "about", "text_raw": "tie b"}},
			{"id": "q2", "score": 0.9, "payload": {"chunk_id": "c-top", "person_id": "p2", "chunk_type": "work", "text_raw": "best match"}},
			{"id": "q3", "score": 0.7, "payload": {"chunk_id": "c-a", "person_id": "p1", "chunk_type": "skills", "text_raw": "tie a"}},
			{"id": "q4", "score": 0.5, "payload": {"chunk_id": "c-orphan", "chunk_type": "work", "text_raw": "no person"}}
		],
		"status": "ok",
		"time": 0.002
	}`
	server := newQdrantTestServer(t, "profile_chunks", 3, searchResponse)
	defer server.Close()

	client, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "profile_chunks",
		Dimension:  3,
	})
	require.NoError(t, err)

	hits, err := client.SearchChunks(context.Background(), []float64{0.1, 0.2, 0.3}, 10)
	require.NoError(t, err)

	// 无person_id的分块被丢弃
	require.Len(t, hits, 3)

	// 相似度降序，同分按chunk_id升序
	assert.Equal(t, "c-top", hits[0].ChunkID)
	assert.InDelta(t, 0.9, hits[0].Similarity, 1e-9)
	assert.Equal(t, "c-a", hits[1].ChunkID)
	assert.Equal(t, "c-b", hits[2].ChunkID)

	assert.Equal(t, "p2", hits[0].PersonID)
	assert.Equal(t, "work", hits[0].ChunkType)
	assert.Equal(t, "best match", hits[0].TextRaw)
}

// TestSearchChunks_DimensionCheck 查询向量维度不匹配时不发请求直接报错
func TestSearchChunks_DimensionCheck(t *testing.T) {
	server := newQdrantTestServer(t, "profile_chunks", 4, `{"result": []}`)
	defer server.Close()

	client, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "profile_chunks",
		Dimension:  4,
	})
	require.NoError(t, err)

	_, err = client.SearchChunks(context.Background(), []float64{0.1, 0.2}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "维度")
}

// TestSearchChunks_RequestBody 搜索请求携带向量、上限和with_payload
func TestSearchChunks_RequestBody(t *testing.T) {
	var searchBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(collectionInfoJSON(2, "Cosine")))
		case r.Method == http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&searchBody))
			w.Write([]byte(`{"result": []}`))
		}
	}))
	defer server.Close()

	client, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "profile_chunks",
		Dimension:  2,
	})
	require.NoError(t, err)

	_, err = client.SearchChunks(context.Background(), []float64{0.5, 0.6}, 42)
	require.NoError(t, err)

	assert.Equal(t, float64(42), searchBody["limit"])
	assert.Equal(t, true, searchBody["with_payload"])
	vector, ok := searchBody["vector"].([]interface{})
	require.True(t, ok)
	assert.Len(t, vector, 2)
}

// TestSearchChunks_UpstreamErrorWrapped 上游报错时包装为UpstreamError
func TestSearchChunks_UpstreamErrorWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(collectionInfoJSON(2, "Cosine")))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status": {"error": "overloaded"}}`))
		}
	}))
	defer server.Close()

	client, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "profile_chunks",
		Dimension:  2,
	})
	require.NoError(t, err)

	_, err = client.SearchChunks(context.Background(), []float64{0.1, 0.2}, 10)
	require.Error(t, err)

	var upstreamErr *types.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "vector_search", upstreamErr.Component)
}

// TestSearchChunks_APIKeyHeader 配置了密钥时随请求下发api-key头
func TestSearchChunks_APIKeyHeader(t *testing.T) {
	var gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(collectionInfoJSON(2, "Cosine")))
		default:
			w.Write([]byte(`{"result": []}`))
		}
	}))
	defer server.Close()

	client, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "profile_chunks",
		Dimension:  2,
		APIKey:     "secret",
	})
	require.NoError(t, err)

	_, err = client.SearchChunks(context.Background(), []float64{0.1, 0.2}, 10)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
}
