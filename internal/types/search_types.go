package types

import "fmt"

// ChunkHit 向量召回返回的单个分块命中
type ChunkHit struct {
	ChunkID    string  `json:"chunk_id"`
	PersonID   string  `json:"person_id"`
	ChunkType  string  `json:"chunk_type"` // about / work / edu / skills
	TextRaw    string  `json:"text_raw"`
	TextNorm   string  `json:"text_norm,omitempty"`
	Similarity float64 `json:"similarity"` // [0,1]，仅在查询结果中出现
}

// PersonAggregation 按人聚合后的分块命中及综合相关性得分。
// 请求级派生数据，不落库。
type PersonAggregation struct {
	PersonID       string
	Chunks         []ChunkHit
	MaxSimilarity  float64
	RelevanceScore float64
}

// ChunkExcerpt 传给重排模型的分块摘录
type ChunkExcerpt struct {
	Type  string  `json:"type"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// ExperienceInfo 候选人的一段工作经历（只读视图）
type ExperienceInfo struct {
	Company     string `json:"company"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

// EducationInfo 候选人的一段教育经历（只读视图）
type EducationInfo struct {
	School      string `json:"school"`
	Degree      string `json:"degree,omitempty"`
	Field       string `json:"field,omitempty"`
	Description string `json:"description,omitempty"`
	StartYear   int    `json:"start_year,omitempty"`
	EndYear     int    `json:"end_year,omitempty"`
}

// EnrichedCandidate 聚合结果与关系库档案数据拼接后的完整候选人
type EnrichedCandidate struct {
	PersonID        string           `json:"person_id"`
	FullName        string           `json:"full_name"`
	Email           string           `json:"email,omitempty"`
	LinkedinURL     string           `json:"linkedin_url,omitempty"`
	Headline        string           `json:"headline,omitempty"`
	Summary         string           `json:"summary,omitempty"`
	ClassYear       int              `json:"class_year,omitempty"`
	Section         string           `json:"section,omitempty"`
	Location        string           `json:"location,omitempty"`
	CurrentCompany  string           `json:"current_company,omitempty"`
	CurrentTitle    string           `json:"current_title,omitempty"`
	CurrentIndustry string           `json:"current_industry,omitempty"`
	Experiences     []ExperienceInfo `json:"experiences"`
	Educations      []EducationInfo  `json:"educations"`
	RelevanceScore  float64          `json:"relevance_score"`
	TopChunks       []ChunkExcerpt   `json:"top_chunks"`
}

// RankedResult 对外可见的最终结果单元
type RankedResult struct {
	PersonID          string `json:"person_id"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email"`
	LinkedinURL       string `json:"linkedin_url"`
	Headline          string `json:"headline"`
	ClassYear         string `json:"class_year"`
	Section           string `json:"section"`
	Location          string `json:"location"`
	CurrentCompany    string `json:"current_company"`
	CurrentTitle      string `json:"current_title"`
	CurrentIndustry   string `json:"current_industry"`
	EducationSummary  string `json:"education_summary"`
	ExperienceSummary string `json:"experience_summary"`
	WhyRelevant       string `json:"why_relevant"`
}

// TraceStep 流水线单个阶段的耗时记录
type TraceStep struct {
	Step      string `json:"step"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// DebugInfo 响应中附带的诊断信息
type DebugInfo struct {
	Steps       []TraceStep `json:"steps"`
	TotalTimeMS int64       `json:"total_time_ms"`
	CacheHit    bool        `json:"cache_hit,omitempty"`
}

// SearchRequest 搜索请求体
type SearchRequest struct {
	Query  string `json:"query"`
	Stream *bool  `json:"stream,omitempty"` // 缺省为 true
}

// SearchResponse 非流式响应信封。约定：对格式正确的请求永远返回200，
// 上游致命错误通过 Error 字段表达，results 为空。
type SearchResponse struct {
	Results  []RankedResult `json:"results"`
	Debug    *DebugInfo     `json:"debug,omitempty"`
	Fallback bool           `json:"fallback,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// 流式事件类型判别值
const (
	StreamEventStart    = "start"
	StreamEventResult   = "result"
	StreamEventComplete = "complete"
	StreamEventError    = "error"
)

// StreamStartEvent 模型输出开始前发出，携带候选人数
type StreamStartEvent struct {
	Type            string `json:"type"`
	TotalCandidates int    `json:"total_candidates"`
	TimestampMS     int64  `json:"timestamp_ms"`
}

// StreamResultEvent 每个结构完整的结果对象就绪时立即发出
type StreamResultEvent struct {
	Type        string       `json:"type"`
	Index       int          `json:"index"` // 1起始的序号
	Result      RankedResult `json:"result"`
	TimestampMS int64        `json:"timestamp_ms"`
}

// StreamCompleteEvent 模型流结束后发出
type StreamCompleteEvent struct {
	Type         string `json:"type"`
	TotalResults int    `json:"total_results"`
	TotalTimeMS  int64  `json:"total_time_ms"`
}

// StreamErrorEvent 流中途传输失败时发出，之后不再有任何事件
type StreamErrorEvent struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// UpstreamError 上游服务（Embedding / 向量库 / 模型）调用失败。
// 对嵌入和向量召回而言是请求级致命错误；对重排而言触发本地兜底。
type UpstreamError struct {
	Component string // "embedding" / "vector_search" / "rerank"
	Message   string
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s上游调用失败: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("%s上游调用失败: %v", e.Component, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError 构造上游错误
func NewUpstreamError(component, message string, err error) *UpstreamError {
	return &UpstreamError{Component: component, Message: message, Err: err}
}
