package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseFrame 把模型内容增量包装成一条OpenAI风格的SSE数据帧
func sseFrame(t *testing.T, content string) string {
	t.Helper()
	escaped := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
	).Replace(content)
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":\"%s\"}}]}\n\n", escaped)
}

func collectEntries(entries *[]RerankEntry) func(RerankEntry) error {
	return func(e RerankEntry) error {
		*entries = append(*entries, e)
		return nil
	}
}

// TestStreamParser_ObjectSplitAcrossThreeFrames 单个条目被切成三帧传输，
// 只在第三帧到齐后吐出一次，且内容完整重建
func TestStreamParser_ObjectSplitAcrossThreeFrames(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	var entries []RerankEntry
	onEntry := collectEntries(&entries)

	require.NoError(t, p.FeedContent(ctx, `{"results":[{"person_id":"ab`, onEntry))
	assert.Empty(t, entries, "对象未传完前不应吐出条目")

	require.NoError(t, p.FeedContent(ctx, `c","why_relevant":"Founded a fi`, onEntry))
	assert.Empty(t, entries, "对象未传完前不应吐出条目")

	require.NoError(t, p.FeedContent(ctx, `ntech startup."}]}`, onEntry))
	require.Len(t, entries, 1, "第三帧到齐后应恰好吐出一个条目")
	assert.Equal(t, "abc", entries[0].PersonID)
	assert.Equal(t, "Founded a fintech startup.", entries[0].WhyRelevant)
}

// TestStreamParser_BufferTrimmedAfterConsumption 已消费的内容被及时丢弃，
// 缓冲区不随模型输出线性增长，裁剪后跨帧的后续条目照常重建
func TestStreamParser_BufferTrimmedAfterConsumption(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	var entries []RerankEntry
	onEntry := collectEntries(&entries)

	long := strings.Repeat("fintech operator with a decade of experience. ", 200)
	require.NoError(t, p.FeedContent(ctx, `{"results":[{"person_id":"p1","why_relevant":"`+long+`"},`, onEntry))
	require.Len(t, entries, 1)
	assert.Less(t, len(p.content), 64, "消费完的大条目应从缓冲区裁掉")

	require.NoError(t, p.FeedContent(ctx, `{"person_id":"p2","why_rele`, onEntry))
	require.Len(t, entries, 1, "对象未传完前不应吐出条目")

	require.NoError(t, p.FeedContent(ctx, `vant":"second entry"}]}`, onEntry))
	require.Len(t, entries, 2)
	assert.Equal(t, "p2", entries[1].PersonID)
	assert.Equal(t, "second entry", entries[1].WhyRelevant)
}

// TestStreamParser_DedupByPersonID 模型重复输出同一person_id时只吐一次
func TestStreamParser_DedupByPersonID(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	var entries []RerankEntry
	content := `{"results":[` +
		`{"person_id":"p1","why_relevant":"first"},` +
		`{"person_id":"p1","why_relevant":"duplicate"},` +
		`{"person_id":"p2","why_relevant":"second"}]}`
	require.NoError(t, p.FeedContent(ctx, content, collectEntries(&entries)))

	require.Len(t, entries, 2)
	assert.Equal(t, "p1", entries[0].PersonID)
	assert.Equal(t, "first", entries[0].WhyRelevant, "重复id应保留首次出现的条目")
	assert.Equal(t, "p2", entries[1].PersonID)
	assert.Equal(t, 2, p.EntryCount())
}

// TestStreamParser_EscapedCharactersRoundTrip 带转义引号、反斜杠和换行的
// why_relevant经过解析后还原为原始文本
func TestStreamParser_EscapedCharactersRoundTrip(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	original := `Built the "best" AI\ML platform` + "\nin Boston"
	content := `{"results":[{"person_id":"p1","why_relevant":"Built the \"best\" AI\\ML platform\nin Boston"}]}`

	var entries []RerankEntry
	require.NoError(t, p.FeedContent(ctx, content, collectEntries(&entries)))

	require.Len(t, entries, 1)
	assert.Equal(t, original, entries[0].WhyRelevant, "转义字符应完整还原")
}

// TestStreamParser_BracesInsideStringsIgnored 字符串值里的花括号不参与配平
func TestStreamParser_BracesInsideStringsIgnored(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	var entries []RerankEntry
	content := `{"results":[{"person_id":"p1","why_relevant":"Works on {json} tooling }{"}]}`
	require.NoError(t, p.FeedContent(ctx, content, collectEntries(&entries)))

	require.Len(t, entries, 1)
	assert.Equal(t, "Works on {json} tooling }{", entries[0].WhyRelevant)
}

// TestStreamParser_UnescapedQuoteSkippedAndRecovered person_id里混入未转义
// 引号的条目按解析失败跳过，后续正常条目仍然吐出
func TestStreamParser_UnescapedQuoteSkippedAndRecovered(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	var entries []RerankEntry
	content := `{"results":[` +
		`{"person_id":"bro"k"en","why_relevant":"bad entry"},` +
		`{"person_id":"p2","why_relevant":"good entry"}]}`
	require.NoError(t, p.FeedContent(ctx, content, collectEntries(&entries)))

	require.Len(t, entries, 1, "坏条目跳过后仍应吐出后续条目")
	assert.Equal(t, "p2", entries[0].PersonID)
}

// TestStreamParser_IncompleteTailNeverEmitted 缓冲区末尾的半截对象不吐出
func TestStreamParser_IncompleteTailNeverEmitted(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	var entries []RerankEntry
	require.NoError(t, p.FeedContent(ctx, `{"results":[{"person_id":"p1","why_rel`, collectEntries(&entries)))
	assert.Empty(t, entries)
	assert.Equal(t, 0, p.EntryCount())
}

// TestStreamParser_MissingRequiredKeyNotEmitted 缺少why_relevant的对象不算条目
func TestStreamParser_MissingRequiredKeyNotEmitted(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	var entries []RerankEntry
	content := `{"results":[{"person_id":"p1"},{"person_id":"p2","why_relevant":"ok"}]}`
	require.NoError(t, p.FeedContent(ctx, content, collectEntries(&entries)))

	require.Len(t, entries, 1)
	assert.Equal(t, "p2", entries[0].PersonID)
}

// TestStreamParser_OnEntryErrorAborts 回调报错时中止并把错误透传给调用方
func TestStreamParser_OnEntryErrorAborts(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	sentinel := errors.New("client gone")
	content := `{"results":[{"person_id":"p1","why_relevant":"a"},{"person_id":"p2","why_relevant":"b"}]}`
	err := p.FeedContent(ctx, content, func(e RerankEntry) error {
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
}

// TestStreamParser_ConsumeSSEStream 端到端消费SSE响应体：正常帧、坏帧、
// 空帧和[DONE]终止符混在一起
func TestStreamParser_ConsumeSSEStream(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	body := strings.Join([]string{
		sseFrame(t, `{"results":[{"person_id":"p1",`),
		"data: this is not json\n\n",
		sseFrame(t, `"why_relevant":"Runs an AI fund."},`),
		"\n",
		sseFrame(t, `{"person_id":"p2","why_relevant":"Scaled a marketplace."}]}`),
		"data: [DONE]\n\n",
	}, "")

	var entries []RerankEntry
	err := p.Consume(ctx, strings.NewReader(body), collectEntries(&entries))

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "p1", entries[0].PersonID)
	assert.Equal(t, "Runs an AI fund.", entries[0].WhyRelevant)
	assert.Equal(t, "p2", entries[1].PersonID)
}

// TestStreamParser_ConsumeEOFWithoutDone 流在[DONE]前结束也正常返回
func TestStreamParser_ConsumeEOFWithoutDone(t *testing.T) {
	p := NewStreamingResultParser()
	ctx := context.Background()

	body := sseFrame(t, `{"results":[{"person_id":"p1","why_relevant":"ok"}]}`)

	var entries []RerankEntry
	require.NoError(t, p.Consume(ctx, strings.NewReader(body), collectEntries(&entries)))
	assert.Len(t, entries, 1)
}

// TestScanBalancedObject 括号配平扫描的边界情况
func TestScanBalancedObject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		start    int
		wantEnd  int
		complete bool
	}{
		{"简单对象", `{"a":1}`, 0, 7, true},
		{"嵌套对象", `{"a":{"b":2}}`, 0, 13, true},
		{"未闭合", `{"a":1`, 0, 0, false},
		{"字符串内的右括号", `{"a":"}"}`, 0, 9, true},
		{"转义引号后仍在字符串内", `{"a":"\"}"}`, 0, 11, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end, complete := scanBalancedObject([]byte(tt.input), tt.start)
			assert.Equal(t, tt.complete, complete)
			if tt.complete {
				assert.Equal(t, tt.wantEnd, end)
			}
		})
	}
}
