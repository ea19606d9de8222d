package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// SearchModulePrefix 搜索模块
	SearchModulePrefix = "search"

	// EntityResult 搜索结果实体
	EntityResult = "result"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeySearchResult 按查询哈希缓存的黄金结果集 (STRING, JSON)
	// 格式: app:search:result:{queryHash}
	KeySearchResult = AppPrefix + ":" + SearchModulePrefix + ":" + EntityResult + ":%s"

	// KeySearchLock 搜索分布式锁 (STRING)
	// 格式: app:search:lock:{queryHash}
	KeySearchLock = AppPrefix + ":" + SearchModulePrefix + ":" + EntityLock + ":%s"
)
