package processor

import (
	"sort"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/types"
)

// Aggregator 把分块级命中聚合为人级相关性得分。
// 纯计算，无IO，相同输入必然产生相同输出和相同顺序。
type Aggregator struct {
	policy *config.SearchPolicyConfig
}

// NewAggregator 创建聚合器
func NewAggregator(policy *config.SearchPolicyConfig) *Aggregator {
	if policy == nil {
		p := config.DefaultSearchPolicy()
		policy = &p
	}
	return &Aggregator{policy: policy}
}

// Aggregate 按人分组计算综合相关性。
// 得分公式: score = w_max * max(weightedSims) + w_mean * mean(top k weightedSims)，
// 其中 weightedSim = similarity * 类型权重（skills打5折）。
// 结果按得分降序，同分按 person_id 升序。
func (a *Aggregator) Aggregate(hits []types.ChunkHit) []types.PersonAggregation {
	byPerson := make(map[string]*types.PersonAggregation)
	order := make([]string, 0)

	for _, hit := range hits {
		agg, ok := byPerson[hit.PersonID]
		if !ok {
			agg = &types.PersonAggregation{PersonID: hit.PersonID}
			byPerson[hit.PersonID] = agg
			order = append(order, hit.PersonID)
		}
		agg.Chunks = append(agg.Chunks, hit)
		if hit.Similarity > agg.MaxSimilarity {
			agg.MaxSimilarity = hit.Similarity
		}
	}

	result := make([]types.PersonAggregation, 0, len(byPerson))
	for _, personID := range order {
		agg := byPerson[personID]

		weightedSims := make([]float64, len(agg.Chunks))
		for i, c := range agg.Chunks {
			weightedSims[i] = c.Similarity * a.policy.ChunkWeight(c.ChunkType)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(weightedSims)))

		maxSim := 0.0
		if len(weightedSims) > 0 {
			maxSim = weightedSims[0]
		}

		k := a.policy.TopKMean
		if len(weightedSims) < k {
			k = len(weightedSims)
		}
		meanTopK := 0.0
		if k > 0 {
			sum := 0.0
			for _, s := range weightedSims[:k] {
				sum += s
			}
			meanTopK = sum / float64(k)
		}

		agg.RelevanceScore = a.policy.MaxSimWeight*maxSim + a.policy.MeanTopKWeight*meanTopK
		result = append(result, *agg)
	}

	// 同分用person_id兜底排序，保证结果可复现
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].RelevanceScore != result[j].RelevanceScore {
			return result[i].RelevanceScore > result[j].RelevanceScore
		}
		return result[i].PersonID < result[j].PersonID
	})

	return result
}

// Shortlist 截取送入补全阶段的前N个人
func (a *Aggregator) Shortlist(aggs []types.PersonAggregation) []types.PersonAggregation {
	limit := a.policy.ShortlistSize
	if limit <= 0 || len(aggs) <= limit {
		return aggs
	}
	return aggs[:limit]
}
