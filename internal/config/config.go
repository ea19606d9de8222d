package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"alumni-search-go/internal/constants"
)

// Config 应用程序配置
type Config struct {
	// OpenAI（嵌入与重排模型共用同一凭证）
	OpenAI OpenAIConfig `yaml:"openai"`

	// Qdrant 向量数据库
	Qdrant QdrantConfig `yaml:"qdrant"`

	// MySQL 关系库（人物 / 经历 / 教育）
	MySQL MySQLConfig `yaml:"mysql"`

	// Redis 结果缓存
	Redis RedisConfig `yaml:"redis"`

	// HTTP 服务器
	Server ServerConfig `yaml:"server"`

	// 日志
	Logger LoggerConfig `yaml:"logger"`

	// 搜索策略（权重、阈值、容量上限），可整体注入以便测试替换
	SearchPolicy SearchPolicyConfig `yaml:"search_policy"`
}

// OpenAIConfig OpenAI接口配置
type OpenAIConfig struct {
	APIKey         string          `yaml:"api_key"`
	ChatBaseURL    string          `yaml:"chat_base_url"`
	RerankModel    string          `yaml:"rerank_model"`
	Embedding      EmbeddingConfig `yaml:"embedding"`
	TimeoutSeconds int             `yaml:"timeout_seconds"` // 批式补全超时(秒)
	RerankQPM      int             `yaml:"rerank_qpm"`      // 重排调用的每分钟请求上限，0表示不限
}

// EmbeddingConfig Embedding接口配置
type EmbeddingConfig struct {
	Model          string `yaml:"model"`
	Dimensions     int    `yaml:"dimensions"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// QdrantConfig Qdrant向量数据库配置
type QdrantConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Collection     string `yaml:"collection"`
	Dimension      int    `yaml:"dimension"`
	APIKey         string `yaml:"api_key,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MySQLConfig MySQL配置结构
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// 连接池设置
	MaxIdleConns int `yaml:"max_idle_conns"`
	MaxOpenConns int `yaml:"max_open_conns"`
	// 连接生命周期
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `yaml:"conn_max_idle_time_minutes"`
	// 超时设置
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int `yaml:"write_timeout_seconds"`
	// GORM日志级别(1-4)
	LogLevel int `yaml:"log_level"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// 连接池设置
	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
	// 超时设置
	DialTimeoutSeconds  int `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Address string `yaml:"address"` // 例如 ":8080"
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	Format       string `yaml:"format"`        // json, pretty
	TimeFormat   string `yaml:"time_format"`   // 时间格式
	ReportCaller bool   `yaml:"report_caller"` // 是否报告调用位置
}

// SearchPolicyConfig 搜索策略配置。作为显式的值对象注入聚合器与重排引擎，
// 测试可以替换策略而无需改动全局状态。
type SearchPolicyConfig struct {
	// ChunkTypeWeights 分块类型权重。skills 刻意降权，
	// 避免技能堆砌型档案仅靠关键词密度霸榜。
	ChunkTypeWeights map[string]float64 `yaml:"chunk_type_weights"`

	// MaxSimWeight / MeanTopKWeight 综合得分的凸组合系数：
	// score = MaxSimWeight*maxSim + MeanTopKWeight*meanTopK。
	// 单个极强匹配应主导排序，多处佐证给予小额加成。
	MaxSimWeight   float64 `yaml:"max_sim_weight"`
	MeanTopKWeight float64 `yaml:"mean_topk_weight"`

	// TopKMean 截尾均值取前K个加权相似度
	TopKMean int `yaml:"top_k_mean"`

	// RecallLimit 向量召回的候选分块池大小
	RecallLimit int `yaml:"recall_limit"`

	// ShortlistSize 聚合后进入补全阶段的候选人数上限
	ShortlistSize int `yaml:"shortlist_size"`

	// MinRelevanceScore 进入重排的最低相关性得分。
	// 指针用于区分"未配置"(nil, 取默认值)和显式配成0(不过滤)。
	MinRelevanceScore *float64 `yaml:"min_relevance_score"`

	// MaxResults 最终结果上限
	MaxResults int `yaml:"max_results"`

	// TopChunksPerCandidate 每个候选人向下游保留的分块数
	TopChunksPerCandidate int `yaml:"top_chunks_per_candidate"`

	// PromptChunksPerCandidate 发送给模型的分块摘录数
	PromptChunksPerCandidate int `yaml:"prompt_chunks_per_candidate"`

	// PromptChunkMaxChars 每条摘录的最大字符数
	PromptChunkMaxChars int `yaml:"prompt_chunk_max_chars"`

	// PromptMaxExperiences 发送给模型的经历条数上限
	PromptMaxExperiences int `yaml:"prompt_max_experiences"`
}

// ChunkWeight 返回指定分块类型的权重，未知类型按1.0处理
func (p SearchPolicyConfig) ChunkWeight(chunkType string) float64 {
	if w, ok := p.ChunkTypeWeights[chunkType]; ok {
		return w
	}
	return 1.0
}

// MinScore 返回生效的重排准入阈值，未配置时取默认值
func (p SearchPolicyConfig) MinScore() float64 {
	if p.MinRelevanceScore == nil {
		return defaultMinRelevanceScore
	}
	return *p.MinRelevanceScore
}

const defaultMinRelevanceScore = 0.35

func floatPtr(v float64) *float64 { return &v }

// DefaultSearchPolicy 默认搜索策略
func DefaultSearchPolicy() SearchPolicyConfig {
	return SearchPolicyConfig{
		ChunkTypeWeights: map[string]float64{
			constants.ChunkTypeAbout:  1.0,
			constants.ChunkTypeWork:   1.0,
			constants.ChunkTypeEdu:    1.0,
			constants.ChunkTypeSkills: 0.5,
		},
		MaxSimWeight:             0.80,
		MeanTopKWeight:           0.20,
		TopKMean:                 3,
		RecallLimit:              200,
		ShortlistSize:            50,
		MinRelevanceScore:        floatPtr(defaultMinRelevanceScore),
		MaxResults:               30,
		TopChunksPerCandidate:    5,
		PromptChunksPerCandidate: 2,
		PromptChunkMaxChars:      200,
		PromptMaxExperiences:     4,
	}
}

// applyPolicyDefaults 为未配置的策略字段补上默认值
func applyPolicyDefaults(p *SearchPolicyConfig) {
	def := DefaultSearchPolicy()
	if p.ChunkTypeWeights == nil {
		p.ChunkTypeWeights = def.ChunkTypeWeights
	}
	if p.MaxSimWeight == 0 && p.MeanTopKWeight == 0 {
		p.MaxSimWeight = def.MaxSimWeight
		p.MeanTopKWeight = def.MeanTopKWeight
	}
	if p.TopKMean <= 0 {
		p.TopKMean = def.TopKMean
	}
	if p.RecallLimit <= 0 {
		p.RecallLimit = def.RecallLimit
	}
	if p.ShortlistSize <= 0 {
		p.ShortlistSize = def.ShortlistSize
	}
	if p.MinRelevanceScore == nil {
		p.MinRelevanceScore = def.MinRelevanceScore
	}
	if p.MaxResults <= 0 {
		p.MaxResults = def.MaxResults
	}
	if p.TopChunksPerCandidate <= 0 {
		p.TopChunksPerCandidate = def.TopChunksPerCandidate
	}
	if p.PromptChunksPerCandidate <= 0 {
		p.PromptChunksPerCandidate = def.PromptChunksPerCandidate
	}
	if p.PromptChunkMaxChars <= 0 {
		p.PromptChunkMaxChars = def.PromptChunkMaxChars
	}
	if p.PromptMaxExperiences <= 0 {
		p.PromptMaxExperiences = def.PromptMaxExperiences
	}
}

// LoadConfig 从文件加载配置。未指定路径时在常见位置查找；
// 测试环境下找不到配置文件则回退到默认配置。
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		searchPaths := []string{
			"config.yaml",
			"./config.yaml",
			"../config.yaml",
			"../../config.yaml",
			filepath.Join(os.Getenv("HOME"), ".alumni-search", "config.yaml"),
		}

		execPath, err := os.Executable()
		if err == nil {
			execDir := filepath.Dir(execPath)
			searchPaths = append(searchPaths, filepath.Join(execDir, "config.yaml"))
			searchPaths = append(searchPaths, filepath.Join(execDir, "..", "config.yaml"))
		}

		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}

		if configPath == "" {
			if isTestEnv() {
				return createDefaultConfig(), nil
			}
			configPath = "config.yaml"
		}
	}

	if _, err := os.Stat(configPath); err != nil {
		if isTestEnv() {
			return createDefaultConfig(), nil
		}
		return nil, fmt.Errorf("配置文件不存在: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 从环境变量覆盖凭证（如果存在）
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		config.OpenAI.APIKey = envKey
	}
	if envURL := os.Getenv("OPENAI_CHAT_BASE_URL"); envURL != "" {
		config.OpenAI.ChatBaseURL = envURL
	}
	if envKey := os.Getenv("QDRANT_API_KEY"); envKey != "" {
		config.Qdrant.APIKey = envKey
	}

	applyDefaults(&config)

	return &config, nil
}

// Validate 校验启动必需项。凭证缺失属于配置错误，任何请求都不可能成功，
// 因此在启动时直接失败。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		return fmt.Errorf("缺少OpenAI API密钥 (openai.api_key 或环境变量 OPENAI_API_KEY)")
	}
	if strings.TrimSpace(c.Qdrant.Endpoint) == "" {
		return fmt.Errorf("缺少Qdrant端点 (qdrant.endpoint)")
	}
	return nil
}

// isTestEnv 粗略检测是否运行在 go test 下
func isTestEnv() bool {
	for _, arg := range os.Args {
		if strings.Contains(arg, "test") {
			return true
		}
	}
	return false
}

// applyDefaults 填充默认值
func applyDefaults(config *Config) {
	if config.Server.Address == "" {
		config.Server.Address = ":8080"
	}
	if config.OpenAI.ChatBaseURL == "" {
		config.OpenAI.ChatBaseURL = "https://api.openai.com/v1/chat/completions"
	}
	if config.OpenAI.RerankModel == "" {
		config.OpenAI.RerankModel = "gpt-5-nano"
	}
	if config.OpenAI.TimeoutSeconds <= 0 {
		config.OpenAI.TimeoutSeconds = 60
	}
	if config.OpenAI.Embedding.Model == "" {
		config.OpenAI.Embedding.Model = "text-embedding-3-large"
	}
	if config.OpenAI.Embedding.Dimensions <= 0 {
		config.OpenAI.Embedding.Dimensions = 2000
	}
	if config.OpenAI.Embedding.BaseURL == "" {
		config.OpenAI.Embedding.BaseURL = "https://api.openai.com/v1/embeddings"
	}
	if config.OpenAI.Embedding.TimeoutSeconds <= 0 {
		config.OpenAI.Embedding.TimeoutSeconds = 15
	}
	if config.Qdrant.Collection == "" {
		config.Qdrant.Collection = "profile_chunks"
	}
	if config.Qdrant.Dimension <= 0 {
		config.Qdrant.Dimension = config.OpenAI.Embedding.Dimensions
	}
	if config.Qdrant.TimeoutSeconds <= 0 {
		config.Qdrant.TimeoutSeconds = 10
	}
	applyPolicyDefaults(&config.SearchPolicy)
}

// createDefaultConfig 创建一个默认配置，用于测试环境
func createDefaultConfig() *Config {
	config := &Config{}

	config.OpenAI.ChatBaseURL = "https://api.openai.com/v1/chat/completions"
	config.OpenAI.RerankModel = "gpt-5-nano"
	config.OpenAI.Embedding.Model = "text-embedding-3-large"
	config.OpenAI.Embedding.Dimensions = 2000
	config.OpenAI.Embedding.BaseURL = "https://api.openai.com/v1/embeddings"

	config.Qdrant.Endpoint = "http://localhost:6333"
	config.Qdrant.Collection = "profile_chunks"
	config.Qdrant.Dimension = 2000

	config.MySQL.Host = "localhost"
	config.MySQL.Port = 3306
	config.MySQL.Username = "root"
	config.MySQL.Password = "password"
	config.MySQL.Database = "alumni_search"
	config.MySQL.MaxIdleConns = 10
	config.MySQL.MaxOpenConns = 100
	config.MySQL.ConnMaxLifetimeMinutes = 60
	config.MySQL.ConnMaxIdleTimeMinutes = 30
	config.MySQL.ConnectTimeoutSeconds = 10
	config.MySQL.ReadTimeoutSeconds = 30
	config.MySQL.WriteTimeoutSeconds = 30
	config.MySQL.LogLevel = 4

	config.Redis.Address = "localhost:6379"
	config.Redis.PoolSize = 10
	config.Redis.MinIdleConns = 2
	config.Redis.DialTimeoutSeconds = 5
	config.Redis.ReadTimeoutSeconds = 3
	config.Redis.WriteTimeoutSeconds = 3

	config.Logger.Level = "info"
	config.Logger.Format = "pretty"
	config.Logger.TimeFormat = "2006-01-02 15:04:05"
	config.Logger.ReportCaller = true

	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		config.OpenAI.APIKey = envKey
	} else {
		config.OpenAI.APIKey = "test_api_key"
	}

	applyDefaults(config)

	return config
}

// GetDuration utility to parse duration strings from config
func GetDuration(durationStr string, defaultDuration time.Duration) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return defaultDuration
	}
	return d
}
