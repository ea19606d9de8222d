package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/logger"
	"alumni-search-go/internal/storage"
	"alumni-search-go/internal/storage/models"
	"alumni-search-go/internal/types"
)

// Enricher 把人级聚合结果与关系库中的档案数据拼接成完整候选人。
// 三类数据并发批量拉取，单次搜索只打三条SQL。
type Enricher struct {
	store  storage.ProfileStore
	policy *config.SearchPolicyConfig
}

// NewEnricher 创建补全器
func NewEnricher(store storage.ProfileStore, policy *config.SearchPolicyConfig) *Enricher {
	if policy == nil {
		p := config.DefaultSearchPolicy()
		policy = &p
	}
	return &Enricher{store: store, policy: policy}
}

// Enrich 为入围的人批量拉取档案并拼接。
// 档案缺失的人保留占位记录（FullName为Unknown），不中断整批。
// 输入顺序即输出顺序。
func (e *Enricher) Enrich(ctx context.Context, aggs []types.PersonAggregation) ([]types.EnrichedCandidate, error) {
	if len(aggs) == 0 {
		return nil, nil
	}

	personIDs := make([]string, len(aggs))
	for i, agg := range aggs {
		personIDs[i] = agg.PersonID
	}

	var (
		people      []models.Person
		experiences []models.Experience
		educations  []models.Education
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		people, err = e.store.ListPeopleByIDs(gctx, personIDs)
		return err
	})
	g.Go(func() error {
		var err error
		experiences, err = e.store.ListExperiencesByIDs(gctx, personIDs)
		return err
	})
	g.Go(func() error {
		var err error
		educations, err = e.store.ListEducationsByIDs(gctx, personIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("批量拉取档案数据失败: %w", err)
	}

	peopleByID := make(map[string]*models.Person, len(people))
	for i := range people {
		peopleByID[people[i].PersonID] = &people[i]
	}
	expsByID := make(map[string][]types.ExperienceInfo)
	for _, exp := range experiences {
		expsByID[exp.PersonID] = append(expsByID[exp.PersonID], types.ExperienceInfo{
			Company:     exp.Company,
			Title:       exp.Title,
			Description: exp.Description,
			Location:    exp.Location,
			StartDate:   formatDate(exp.StartDate),
			EndDate:     formatDate(exp.EndDate),
		})
	}
	edusByID := make(map[string][]types.EducationInfo)
	for _, edu := range educations {
		edusByID[edu.PersonID] = append(edusByID[edu.PersonID], types.EducationInfo{
			School:      edu.School,
			Degree:      edu.Degree,
			Field:       edu.Field,
			Description: edu.Description,
			StartYear:   edu.StartYear,
			EndYear:     edu.EndYear,
		})
	}

	candidates := make([]types.EnrichedCandidate, 0, len(aggs))
	for _, agg := range aggs {
		candidate := types.EnrichedCandidate{
			PersonID:       agg.PersonID,
			FullName:       "Unknown",
			Experiences:    expsByID[agg.PersonID],
			Educations:     edusByID[agg.PersonID],
			RelevanceScore: agg.RelevanceScore,
			TopChunks:      e.topChunks(agg.Chunks),
		}

		if person, ok := peopleByID[agg.PersonID]; ok {
			candidate.FullName = person.FullName
			candidate.Email = person.Email
			candidate.LinkedinURL = person.LinkedinURL
			candidate.Headline = person.Headline
			candidate.Summary = person.Summary
			candidate.ClassYear = person.ClassYear
			candidate.Section = person.Section
			candidate.Location = person.Location
			candidate.CurrentCompany = person.CurrentCompany
			candidate.CurrentTitle = person.CurrentTitle
			candidate.CurrentIndustry = person.CurrentIndustry
		} else {
			logger.Ctx(ctx).Warn().Str("person_id", agg.PersonID).Msg("向量库命中的人在关系库中不存在")
		}

		candidates = append(candidates, candidate)
	}

	return candidates, nil
}

// topChunks 取相似度最高的前N个分块作为上下文摘录
func (e *Enricher) topChunks(chunks []types.ChunkHit) []types.ChunkExcerpt {
	sorted := make([]types.ChunkHit, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Similarity != sorted[j].Similarity {
			return sorted[i].Similarity > sorted[j].Similarity
		}
		return sorted[i].ChunkID < sorted[j].ChunkID
	})

	limit := e.policy.TopChunksPerCandidate
	if len(sorted) < limit {
		limit = len(sorted)
	}

	excerpts := make([]types.ChunkExcerpt, 0, limit)
	for _, c := range sorted[:limit] {
		excerpts = append(excerpts, types.ChunkExcerpt{
			Type:  c.ChunkType,
			Text:  c.TextRaw,
			Score: c.Similarity,
		})
	}
	return excerpts
}

func formatDate(d *datatypes.Date) string {
	if d == nil {
		return ""
	}
	return time.Time(*d).Format("2006-01-02")
}

// BuildEducationSummary 生成教育摘要: 前3所学校，句号连接。
// 摘要永远在本地生成，不交给模型。
func BuildEducationSummary(educations []types.EducationInfo) string {
	schools := make([]string, 0, 3)
	for i, edu := range educations {
		if i >= 3 {
			break
		}
		if edu.School != "" {
			schools = append(schools, edu.School)
		}
	}
	if len(schools) == 0 {
		return ""
	}
	return strings.Join(schools, ". ") + "."
}

// BuildExperienceSummary 生成经历摘要: 前3段"title at company"，句号连接
func BuildExperienceSummary(experiences []types.ExperienceInfo) string {
	entries := make([]string, 0, 3)
	for i, exp := range experiences {
		if i >= 3 {
			break
		}
		entry := strings.TrimSpace(fmt.Sprintf("%s at %s", exp.Title, exp.Company))
		if entry == "at" {
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return ""
	}
	return strings.Join(entries, ". ") + "."
}
