package constants

import "time"

// 档案分块类型。向量库中的每个分块都带有其中之一。
const (
	ChunkTypeAbout  = "about"
	ChunkTypeWork   = "work"
	ChunkTypeEdu    = "edu"
	ChunkTypeSkills = "skills"
)

// ValidChunkTypes 合法的分块类型集合
var ValidChunkTypes = map[string]bool{
	ChunkTypeAbout:  true,
	ChunkTypeWork:   true,
	ChunkTypeEdu:    true,
	ChunkTypeSkills: true,
}

const (
	// SearchResultCacheDuration 黄金结果集缓存时长
	SearchResultCacheDuration = 30 * time.Minute

	// SearchLockDuration 搜索分布式锁的过期时间
	SearchLockDuration = 2 * time.Minute
)
