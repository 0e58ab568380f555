package chunker

import (
	"fmt"
	"strings"

	"dp-chatbot-go/internal/analyzer"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/provider"
)

// 摘要中最多列出的分组值
const maxSummaryGroups = 20

const blankGroup = "(blank)"

// ChunkTabular 为一张工作表生成一个摘要根分块和若干分组子分块。
// 分析给出分组列时按该列的值分组，否则按固定行数分批。超长的分组会被切分，
// 每个片段都重新带上表头与分组标识。analysis 为 nil 时按默认分析处理。
func (c *Chunker) ChunkTabular(documentID, title string, sheet provider.Sheet, analysis *analyzer.Analysis, meta Meta) []model.Chunk {
	if len(sheet.Rows) == 0 {
		return nil
	}
	if analysis == nil {
		analysis = analyzer.Fallback()
	}

	headers := labels(analysis.Headers(sheet.Rows), sheet.Rows)
	var data [][]string
	for _, row := range analysis.DataRows(sheet.Rows) {
		if !isBlankRow(row) {
			data = append(data, row)
		}
	}

	// 前导信息（文档、列名、分组标识）各占不超过 maxChars 的四分之一，正文至少保留一半预算
	contextBudget := c.maxChars / 4
	preamble := clipRunes(fmt.Sprintf("Document: %s | Sheet: %s\nColumns: %s",
		title, sheet.Name, joinCapped(headers, " | ", contextBudget)), contextBudget)

	var groups []rowGroup
	groupCol := -1
	if analysis.GroupingColumnIndex != nil && *analysis.GroupingColumnIndex < len(headers) {
		groupCol = *analysis.GroupingColumnIndex
		groups = groupBy(data, groupCol)
	} else {
		groups = batch(data, c.rowBatch)
	}

	summary := tabularSummary(title, sheet.Name, headers, analysis, len(data), groups, groupCol, c.maxChars/2)
	t := newTree(documentID, sheet.Name, clipRunes(summary, c.maxChars), meta)
	for _, g := range groups {
		prefix := preamble
		sectionTitle := fmt.Sprintf("%s rows %d-%d", sheet.Name, g.first, g.last)
		if groupCol >= 0 {
			groupLine := clipRunes(fmt.Sprintf("%s: %s", headers[groupCol], g.key), contextBudget)
			prefix = preamble + "\n" + groupLine
			sectionTitle = groupLine
		}

		lines := make([]string, 0, len(g.rows))
		for _, row := range g.rows {
			lines = append(lines, formatRow(headers, row))
		}
		pieces := packLines(lines, c.maxChars-runeLen(prefix)-1)
		for i, body := range pieces {
			st := sectionTitle
			if len(pieces) > 1 {
				st = fmt.Sprintf("%s (part %d/%d)", sectionTitle, i+1, len(pieces))
			}
			content := prefix + "\n" + body
			if runeLen(content) < c.minChars {
				continue
			}
			t.add(model.LevelGroup, st, content)
		}
	}
	return t.chunks()
}

type rowGroup struct {
	key         string
	first, last int
	rows        [][]string
}

// groupBy 按列值分组，保持各值首次出现的顺序。
func groupBy(rows [][]string, col int) []rowGroup {
	index := make(map[string]int)
	var groups []rowGroup
	for i, row := range rows {
		key := blankGroup
		if col < len(row) && strings.TrimSpace(row[col]) != "" {
			key = strings.TrimSpace(row[col])
		}
		gi, ok := index[key]
		if !ok {
			gi = len(groups)
			index[key] = gi
			groups = append(groups, rowGroup{key: key, first: i + 1})
		}
		groups[gi].rows = append(groups[gi].rows, row)
		groups[gi].last = i + 1
	}
	return groups
}

func batch(rows [][]string, size int) []rowGroup {
	var groups []rowGroup
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		groups = append(groups, rowGroup{first: start + 1, last: end, rows: rows[start:end]})
	}
	return groups
}

// packLines 把行按顺序装入不超过 budget 个字符的片段，单行超长时按空白切分。
func packLines(lines []string, budget int) []string {
	if budget < 1 {
		budget = 1
	}
	var (
		out  []string
		cur  []string
		size int
	)
	for _, line := range lines {
		n := runeLen(line)
		if n > budget {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, "\n"))
				cur, size = nil, 0
			}
			out = append(out, splitLong(line, budget)...)
			continue
		}
		if len(cur) > 0 && size+1+n > budget {
			out = append(out, strings.Join(cur, "\n"))
			cur, size = nil, 0
		}
		if len(cur) > 0 {
			size++
		}
		cur = append(cur, line)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

// labels 返回每列的显示名，表头缺失的列用 "Column N"。
func labels(headers []string, rows [][]string) []string {
	w := len(headers)
	for _, r := range rows {
		if len(r) > w {
			w = len(r)
		}
	}
	out := make([]string, w)
	for i := range out {
		if i < len(headers) && strings.TrimSpace(headers[i]) != "" {
			out[i] = strings.TrimSpace(headers[i])
		} else {
			out[i] = fmt.Sprintf("Column %d", i+1)
		}
	}
	return out
}

func formatRow(headers, row []string) string {
	parts := make([]string, 0, len(row))
	for i, cell := range row {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		parts = append(parts, headers[i]+": "+cell)
	}
	return strings.Join(parts, " | ")
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func tabularSummary(title, sheet string, headers []string, a *analyzer.Analysis, rowCount int, groups []rowGroup, groupCol, columnBudget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\nSheet: %s (type: %s)\n", title, sheet, a.SheetType)
	if a.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", a.Summary)
	}
	cols := make([]string, 0, len(headers))
	for i, h := range headers {
		if col, ok := a.Column(i); ok {
			cols = append(cols, fmt.Sprintf("%s (%s)", h, col.DataType))
		} else {
			cols = append(cols, h)
		}
	}
	fmt.Fprintf(&b, "Columns: %s\nRows: %d", joinCapped(cols, ", ", columnBudget), rowCount)
	if groupCol >= 0 && len(groups) > 0 {
		keys := make([]string, 0, maxSummaryGroups)
		for i, g := range groups {
			if i == maxSummaryGroups {
				keys = append(keys, fmt.Sprintf("and %d more", len(groups)-maxSummaryGroups))
				break
			}
			keys = append(keys, clipRunes(g.key, 80))
		}
		fmt.Fprintf(&b, "\nGrouped by %s: %s", headers[groupCol], strings.Join(keys, ", "))
	}
	return b.String()
}

// joinCapped 用 sep 连接 items，超过 budget 个字符时在元素边界截断并以 "…" 结尾。
func joinCapped(items []string, sep string, budget int) string {
	var b strings.Builder
	size := 0
	limit := budget - runeLen(sep) - 1
	for i, item := range items {
		n := runeLen(item)
		if i > 0 {
			n += runeLen(sep)
		}
		if size+n > limit {
			if i == 0 {
				return clipRunes(item, budget)
			}
			b.WriteString(sep + "…")
			return b.String()
		}
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(item)
		size += n
	}
	return b.String()
}
