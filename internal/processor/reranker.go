package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/logger"
	"alumni-search-go/internal/ratelimit"
	"alumni-search-go/internal/types"
)

// ChatCompleter 重排引擎依赖的模型能力
type ChatCompleter interface {
	// Generate 一次性返回完整补全
	Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error)

	// StreamRaw 返回流式补全的原始SSE响应体
	StreamRaw(ctx context.Context, messages []*schema.Message) (io.ReadCloser, error)
}

// Reranker 调用补全模型对入围候选人做语义重排。
// 模型只负责选人和给理由，所有展示字段都从本地档案数据回填，
// 防止模型幻觉污染联系方式等事实字段。
type Reranker struct {
	completer ChatCompleter
	limiter   *ratelimit.TokenBucket
	policy    *config.SearchPolicyConfig
}

// NewReranker 创建重排引擎。limiter 可以为nil（不限流）。
func NewReranker(completer ChatCompleter, limiter *ratelimit.TokenBucket, policy *config.SearchPolicyConfig) *Reranker {
	if policy == nil {
		p := config.DefaultSearchPolicy()
		policy = &p
	}
	return &Reranker{completer: completer, limiter: limiter, policy: policy}
}

// RerankOutcome 重排结果。Fallback为true时Results是按相关性得分
// 排序的本地兜底集，ErrMessage描述触发兜底的原因。
type RerankOutcome struct {
	Results    []types.RankedResult
	Fallback   bool
	ErrMessage string
}

// compactCandidate 发送给模型的精简候选人载荷
type compactCandidate struct {
	PersonID    string               `json:"person_id"`
	FullName    string               `json:"full_name"`
	FirstName   string               `json:"first_name"`
	LastName    string               `json:"last_name"`
	Email       string               `json:"email,omitempty"`
	LinkedinURL string               `json:"linkedin_url,omitempty"`
	Headline    string               `json:"headline,omitempty"`
	ClassYear   string               `json:"class_year"`
	Section     string               `json:"section"`
	VectorScore float64              `json:"vector_score"`
	Chunks      []types.ChunkExcerpt `json:"chunks"`
	Education   string               `json:"education"`
	Experience  string               `json:"experience"`
}

// FilterByScore 返回达到最低相关性阈值的候选人
func (r *Reranker) FilterByScore(candidates []types.EnrichedCandidate) []types.EnrichedCandidate {
	filtered := make([]types.EnrichedCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RelevanceScore >= r.policy.MinScore() {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// Rerank 批量模式: 单次JSON补全，解析后与本地档案合并。
// 模型调用或解析失败时退回本地兜底排序，永远返回可用的结果集。
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []types.EnrichedCandidate) *RerankOutcome {
	filtered := r.FilterByScore(candidates)
	if len(filtered) == 0 {
		return &RerankOutcome{Results: []types.RankedResult{}}
	}

	messages, err := r.buildMessages(query, filtered)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("构建重排请求失败, 使用本地兜底")
		return r.fallback(candidates, "rerank request build failed, using relevance score fallback")
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("等待重排限流令牌失败, 使用本地兜底")
			return r.fallback(candidates, "rerank rate limited, using relevance score fallback")
		}
	}

	resp, err := r.completer.Generate(ctx, messages)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("重排模型调用失败, 使用本地兜底")
		return r.fallback(candidates, "rerank failed, using relevance score fallback")
	}

	entries, err := parseRerankContent(resp.Content)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("content", previewFragment([]byte(resp.Content))).
			Msg("重排输出解析失败, 使用本地兜底")
		return r.fallback(candidates, "rerank parsing failed, using relevance score fallback")
	}

	byID := candidateMap(candidates)
	results := make([]types.RankedResult, 0, len(entries))
	for _, entry := range entries {
		if len(results) >= r.policy.MaxResults {
			break
		}
		candidate, ok := byID[entry.PersonID]
		if !ok {
			// 模型编造的person_id直接丢弃
			logger.Ctx(ctx).Warn().Str("person_id", entry.PersonID).Msg("重排输出包含未知person_id, 已丢弃")
			continue
		}
		results = append(results, buildRankedResult(candidate, entry.WhyRelevant, false))
	}

	return &RerankOutcome{Results: results}
}

// RerankStream 流式模式: 消费模型的SSE输出，每个结构完整的条目
// 立即通过 onResult 吐出（1起始的序号）。返回最终吐出的条目数。
// 流式路径没有兜底，传输失败由调用方转成error事件。
func (r *Reranker) RerankStream(ctx context.Context, query string, candidates []types.EnrichedCandidate, onResult func(index int, result types.RankedResult) error) (int, error) {
	filtered := r.FilterByScore(candidates)
	if len(filtered) == 0 {
		return 0, nil
	}

	messages, err := r.buildMessages(query, filtered)
	if err != nil {
		return 0, fmt.Errorf("构建重排请求失败: %w", err)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("等待重排限流令牌失败: %w", err)
		}
	}

	body, err := r.completer.StreamRaw(ctx, messages)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	byID := candidateMap(candidates)
	parser := NewStreamingResultParser()
	emitted := 0

	err = parser.Consume(ctx, body, func(entry RerankEntry) error {
		if emitted >= r.policy.MaxResults {
			return nil
		}
		candidate, ok := byID[entry.PersonID]
		if !ok {
			logger.Ctx(ctx).Warn().Str("person_id", entry.PersonID).Msg("重排输出包含未知person_id, 已丢弃")
			return nil
		}
		emitted++
		return onResult(emitted, buildRankedResult(candidate, entry.WhyRelevant, false))
	})

	return emitted, err
}

// CandidateCount 返回会被送入模型的候选人数
func (r *Reranker) CandidateCount(candidates []types.EnrichedCandidate) int {
	return len(r.FilterByScore(candidates))
}

// fallback 本地兜底: 按既有相关性顺序取前N个，why_relevant留空
func (r *Reranker) fallback(candidates []types.EnrichedCandidate, reason string) *RerankOutcome {
	limit := r.policy.MaxResults
	if len(candidates) < limit {
		limit = len(candidates)
	}

	results := make([]types.RankedResult, 0, limit)
	for _, c := range candidates[:limit] {
		results = append(results, buildRankedResult(&c, "", true))
	}

	return &RerankOutcome{
		Results:    results,
		Fallback:   true,
		ErrMessage: reason,
	}
}

// buildMessages 构建system+user两条消息
func (r *Reranker) buildMessages(query string, filtered []types.EnrichedCandidate) ([]*schema.Message, error) {
	compact := make([]compactCandidate, 0, len(filtered))
	for _, p := range filtered {
		firstName, lastName := splitName(p.FullName)

		chunkLimit := r.policy.PromptChunksPerCandidate
		if len(p.TopChunks) < chunkLimit {
			chunkLimit = len(p.TopChunks)
		}
		chunks := make([]types.ChunkExcerpt, 0, chunkLimit)
		for _, c := range p.TopChunks[:chunkLimit] {
			chunks = append(chunks, types.ChunkExcerpt{
				Type:  c.Type,
				Text:  truncateRunes(c.Text, r.policy.PromptChunkMaxChars),
				Score: roundScore(c.Score),
			})
		}

		compact = append(compact, compactCandidate{
			PersonID:    p.PersonID,
			FullName:    p.FullName,
			FirstName:   firstName,
			LastName:    lastName,
			Email:       p.Email,
			LinkedinURL: p.LinkedinURL,
			Headline:    p.Headline,
			ClassYear:   classYearString(p.ClassYear),
			Section:     p.Section,
			VectorScore: roundScore(p.RelevanceScore),
			Chunks:      chunks,
			Education:   educationRollup(p.Educations),
			Experience:  experienceRollup(p.Experiences, r.policy.PromptMaxExperiences),
		})
	}

	userPayload, err := json.Marshal(map[string]interface{}{
		"query":      query,
		"candidates": compact,
	})
	if err != nil {
		return nil, err
	}

	return []*schema.Message{
		schema.SystemMessage(rerankSystemPrompt(query, r.policy.MaxResults)),
		schema.UserMessage(string(userPayload)),
	}, nil
}

func rerankSystemPrompt(query string, maxResults int) string {
	return fmt.Sprintf(`You are an expert at matching people to search queries for a Harvard Business School LTV (Launching Tech Ventures) alumni network.

Your task:
1. Carefully read the user's search query: "%s"
2. Review the candidate alumni profiles provided
3. Intelligently rerank them based on relevance to the query
4. Select the TOP %d most relevant matches

Important guidelines:
- Consider semantic relevance, not just keyword matching
- Be selective - only include truly relevant matches
- Intent understanding & matching: First interpret the query to uncover its dominant intent — what the user is really seeking (e.g., particular organizations, roles, fields, or contexts). Treat those explicit or strongly implied constraints as primary signals when ranking candidates. Only after satisfying those, use other profile evidence to refine order. Do not up-rank candidates that miss clear intent signals, even if they seem generally related.
- If fewer than %d people are relevant, only return those who are truly good matches.

For each person, return ONLY:
- person_id: The exact person_id from the input (REQUIRED for matching)
- why_relevant: A brief explanation (1 sentence) of why this person is relevant to the query

Return ONLY a JSON object with a "results" array containing the top %d matches, ordered by relevance (most relevant first). Example format:
{"results": [{"person_id": "uuid-here", "why_relevant": "Reason here"}, ...]}`,
		query, maxResults, maxResults, maxResults)
}

// parseRerankContent 解析批量模式的模型输出。
// 依次探测 results / matches / alumni 三个键，取第一个存在的数组。
func parseRerankContent(content string) ([]RerankEntry, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("模型输出不是合法JSON对象: %w", err)
	}

	var rawList json.RawMessage
	for _, key := range []string{"results", "matches", "alumni"} {
		if raw, ok := parsed[key]; ok {
			rawList = raw
			break
		}
	}
	if rawList == nil {
		return nil, fmt.Errorf("模型输出缺少results数组")
	}

	var entries []RerankEntry
	if err := json.Unmarshal(rawList, &entries); err != nil {
		return nil, fmt.Errorf("模型输出的results不是合法数组: %w", err)
	}
	return entries, nil
}

func candidateMap(candidates []types.EnrichedCandidate) map[string]*types.EnrichedCandidate {
	byID := make(map[string]*types.EnrichedCandidate, len(candidates))
	for i := range candidates {
		byID[candidates[i].PersonID] = &candidates[i]
	}
	return byID
}

// buildRankedResult 用本地档案回填全部展示字段。
// isFallback时headline给默认值，与兜底路径的历史行为保持一致。
func buildRankedResult(p *types.EnrichedCandidate, whyRelevant string, isFallback bool) types.RankedResult {
	firstName, lastName := splitName(p.FullName)

	headline := p.Headline
	if isFallback && headline == "" {
		headline = "LTV Alumni"
	}

	return types.RankedResult{
		PersonID:          p.PersonID,
		FirstName:         firstName,
		LastName:          lastName,
		Email:             p.Email,
		LinkedinURL:       p.LinkedinURL,
		Headline:          headline,
		ClassYear:         classYearString(p.ClassYear),
		Section:           p.Section,
		Location:          p.Location,
		CurrentCompany:    p.CurrentCompany,
		CurrentTitle:      p.CurrentTitle,
		CurrentIndustry:   p.CurrentIndustry,
		EducationSummary:  BuildEducationSummary(p.Educations),
		ExperienceSummary: BuildExperienceSummary(p.Experiences),
		WhyRelevant:       whyRelevant,
	}
}

func splitName(fullName string) (string, string) {
	parts := strings.Fields(fullName)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func classYearString(year int) string {
	if year == 0 {
		return ""
	}
	return strconv.Itoa(year)
}

func roundScore(score float64) float64 {
	return float64(int(score*1000+0.5)) / 1000
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// educationRollup 给模型看的单行教育简介
func educationRollup(educations []types.EducationInfo) string {
	parts := make([]string, 0, len(educations))
	for _, e := range educations {
		segment := e.Degree
		if e.Field != "" {
			segment = strings.TrimSpace(segment + " in " + e.Field)
		}
		if e.School != "" {
			segment = strings.TrimSpace(segment + " from " + e.School)
		}
		if segment != "" {
			parts = append(parts, segment)
		}
	}
	return strings.Join(parts, "; ")
}

// experienceRollup 给模型看的单行经历简介，最多maxEntries段
func experienceRollup(experiences []types.ExperienceInfo, maxEntries int) string {
	parts := make([]string, 0, maxEntries)
	for i, e := range experiences {
		if maxEntries > 0 && i >= maxEntries {
			break
		}
		entry := strings.TrimSpace(fmt.Sprintf("%s at %s", e.Title, e.Company))
		if entry == "at" {
			continue
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, "; ")
}
