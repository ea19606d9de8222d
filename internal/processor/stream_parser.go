package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"alumni-search-go/internal/logger"
	"alumni-search-go/internal/types"
)

// RerankEntry 模型输出中的单个重排条目
type RerankEntry struct {
	PersonID    string `json:"person_id"`
	WhyRelevant string `json:"why_relevant"`
}

// StreamingResultParser 从模型的SSE增量输出中提取结构完整的重排条目。
// 模型整体输出形如 {"results":[{...},{...}]}，但增量到达时任何位置都可能被
// 截断，所以这里不等完整JSON，而是在内容缓冲区上做结构扫描：
// 每当发现一个括号配平、带齐两个必需键的对象就立即吐出。
// 同一person_id只吐一次。
type StreamingResultParser struct {
	content    []byte
	searchFrom int
	seen       map[string]struct{}
}

const personIDKey = `"person_id"`

// NewStreamingResultParser 创建流式解析器
func NewStreamingResultParser() *StreamingResultParser {
	return &StreamingResultParser{
		seen: make(map[string]struct{}),
	}
}

// sseChunk 只解码我们关心的delta内容
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Consume 读取原始SSE响应体直到 [DONE] 或 EOF。
// 每提取出一个新条目调用一次 onEntry；onEntry 返回错误时中止消费。
// 传输层错误原样返回，坏帧只记日志后跳过。
func (p *StreamingResultParser) Consume(ctx context.Context, body io.Reader, onEntry func(RerankEntry) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// 坏帧不致命，丢弃并继续消费后续帧
			logger.Ctx(ctx).Warn().Err(err).Msg("丢弃无法解析的SSE帧")
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		if err := p.FeedContent(ctx, delta, onEntry); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return types.NewUpstreamError("rerank", "读取模型输出流失败", err)
	}
	return nil
}

// FeedContent 追加一段模型内容增量并扫描新的完整条目
func (p *StreamingResultParser) FeedContent(ctx context.Context, delta string, onEntry func(RerankEntry) error) error {
	p.content = append(p.content, delta...)

	for {
		idx := bytes.Index(p.content[p.searchFrom:], []byte(personIDKey))
		if idx < 0 {
			p.compact()
			return nil
		}
		keyPos := p.searchFrom + idx

		// 条目对象从该键之前最近的'{'开始
		objStart := bytes.LastIndexByte(p.content[:keyPos], '{')
		if objStart < 0 {
			p.searchFrom = keyPos + len(personIDKey)
			continue
		}

		objEnd, complete := scanBalancedObject(p.content, objStart)
		if !complete {
			// 对象还没传完，等下一个增量
			p.compact()
			return nil
		}

		raw := p.content[objStart:objEnd]
		entry, ok := decodeRerankEntry(raw)
		if !ok {
			// 结构配平但内容解不出来（比如person_id里混入了未转义引号），
			// 跳过这个键位置继续找，避免死循环
			logger.Ctx(ctx).Warn().Str("fragment", previewFragment(raw)).Msg("跳过无法解码的重排条目")
			p.searchFrom = keyPos + len(personIDKey)
			continue
		}

		p.searchFrom = objEnd

		if _, dup := p.seen[entry.PersonID]; dup {
			continue
		}
		p.seen[entry.PersonID] = struct{}{}

		if err := onEntry(entry); err != nil {
			return err
		}
	}
}

// EntryCount 返回已吐出的条目数
func (p *StreamingResultParser) EntryCount() int {
	return len(p.seen)
}

// compact 丢弃已消费的前缀，未传完的尾部原样保留。
// 不裁剪的话长回复会让缓冲区随输出线性增长。
func (p *StreamingResultParser) compact() {
	if p.searchFrom == 0 {
		return
	}
	n := copy(p.content, p.content[p.searchFrom:])
	p.content = p.content[:n]
	p.searchFrom = 0
}

// scanBalancedObject 从start处的'{'开始做括号配平扫描。
// 字符串内部的括号不计数，反斜杠转义按JSON规则处理。
// 返回对象结束位置（开区间）和是否已完整。
func scanBalancedObject(data []byte, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(data); i++ {
		c := data[i]

		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// decodeRerankEntry 解码单个条目，要求两个键都存在且person_id非空
func decodeRerankEntry(raw []byte) (RerankEntry, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return RerankEntry{}, false
	}
	if _, ok := probe["person_id"]; !ok {
		return RerankEntry{}, false
	}
	if _, ok := probe["why_relevant"]; !ok {
		return RerankEntry{}, false
	}

	var entry RerankEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return RerankEntry{}, false
	}
	if entry.PersonID == "" {
		return RerankEntry{}, false
	}
	return entry, true
}

func previewFragment(raw []byte) string {
	const maxLen = 120
	if len(raw) <= maxLen {
		return string(raw)
	}
	return string(raw[:maxLen]) + "..."
}
