// Package chunker 把表格或正文转换为两层的分块树：每个文档（表格按工作表）一个摘要根分块，
// 其下是分组或段落子分块。
package chunker

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// 默认分块参数
const (
	DefaultMinChars      = 50
	DefaultMaxChars      = 2000
	DefaultRowBatch      = 25
	DefaultIntroMinChars = 100
)

// chunkNamespace 用于派生稳定的分块 ID。
var chunkNamespace = uuid.MustParse("a3c5e0b4-2f61-4c1e-8d7a-51b0e9d4c2f8")

// Meta 是写入每个分块的元数据。
type Meta struct {
	Team string
}

// Chunker 持有分块大小策略。
type Chunker struct {
	minChars      int
	maxChars      int
	rowBatch      int
	introMinChars int
}

// New 按配置创建 Chunker，未配置的参数取默认值。
func New(cfg config.ChunkerConfig) *Chunker {
	c := &Chunker{
		minChars:      cfg.MinChars,
		maxChars:      cfg.MaxChars,
		rowBatch:      cfg.RowBatch,
		introMinChars: cfg.IntroMinChars,
	}
	if c.minChars <= 0 {
		c.minChars = DefaultMinChars
	}
	if c.maxChars <= 0 {
		c.maxChars = DefaultMaxChars
	}
	if c.rowBatch <= 0 {
		c.rowBatch = DefaultRowBatch
	}
	if c.introMinChars <= 0 {
		c.introMinChars = DefaultIntroMinChars
	}
	return c
}

// chunkID 由文档、工作表与位置派生，重复处理同一内容得到相同 ID。
func chunkID(documentID, sheet, key string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+"\x1f"+sheet+"\x1f"+key)).String()
}

// tree 收集同一根下的分块。
type tree struct {
	documentID string
	sheet      string
	meta       Meta
	root       model.Chunk
	children   []model.Chunk
}

func newTree(documentID, sheet, summary string, meta Meta) *tree {
	t := &tree{documentID: documentID, sheet: sheet, meta: meta}
	t.root = model.Chunk{
		ID:           chunkID(documentID, sheet, "root"),
		DocumentID:   documentID,
		Level:        model.LevelSection,
		SheetName:    sheet,
		SectionTitle: "Summary",
		Content:      summary,
		Metadata:     t.metadata(),
	}
	return t
}

func (t *tree) add(level, sectionTitle, content string) {
	parent := t.root.ID
	n := len(t.children) + 1
	t.children = append(t.children, model.Chunk{
		ID:            chunkID(t.documentID, t.sheet, level+":"+strconv.Itoa(n)),
		DocumentID:    t.documentID,
		ParentChunkID: &parent,
		Level:         level,
		SheetName:     t.sheet,
		SectionTitle:  clipRunes(sectionTitle, model.SectionTitleMaxLen),
		Content:       content,
		Metadata:      t.metadata(),
	})
}

func (t *tree) metadata() datatypes.JSON {
	m := map[string]string{}
	if t.meta.Team != "" {
		m["team"] = t.meta.Team
	}
	if t.sheet != "" {
		m["sheetName"] = t.sheet
	}
	b, _ := json.Marshal(m)
	return b
}

// chunks 返回根分块在前的分块列表，序号从 0 开始。
func (t *tree) chunks() []model.Chunk {
	out := make([]model.Chunk, 0, len(t.children)+1)
	out = append(out, t.root)
	out = append(out, t.children...)
	for i := range out {
		out[i].Ordinal = i
	}
	return out
}

// packParagraphs 把段落按顺序装入不超过 budget 个字符的片段，不在段落中间切分；
// 单个段落超长时退回到按空白切分。
func packParagraphs(paragraphs []string, budget int) []string {
	var (
		out  []string
		cur  strings.Builder
		size int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
		size = 0
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n := runeLen(p)
		if n > budget {
			flush()
			out = append(out, splitLong(p, budget)...)
			continue
		}
		sep := 0
		if size > 0 {
			sep = 2
		}
		if size+sep+n > budget {
			flush()
			sep = 0
		}
		if sep > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
		size += sep + n
	}
	flush()
	return out
}

// splitLong 在 budget 内尽量按空白切分，找不到空白时按字符硬切。
func splitLong(s string, budget int) []string {
	if budget < 1 {
		budget = 1
	}
	var out []string
	runes := []rune(s)
	for len(runes) > budget {
		cut := budget
		for i := budget; i > budget/2; i-- {
			if runes[i] == ' ' || runes[i] == '\n' || runes[i] == '\t' {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[cut:]
	}
	if piece := strings.TrimSpace(string(runes)); piece != "" {
		out = append(out, piece)
	}
	return out
}

// splitParagraphs 以空行切分段落。
func splitParagraphs(s string) []string {
	var (
		out []string
		cur []string
	)
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, "\n"))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, strings.TrimRight(line, " \t\r"))
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// clipRunes 把 s 截断到最多 n 个字符，截断时以 "…" 结尾。
func clipRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if runeLen(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
