// Package extractor 把分析后的表格行转换为规范化的结构化记录。
package extractor

import (
	"encoding/json"
	"strconv"
	"strings"

	"dp-chatbot-go/internal/analyzer"
	"dp-chatbot-go/internal/model"
)

// DocumentMeta 是写入每条记录的文档信息。
type DocumentMeta struct {
	DocumentID string
	Team       string
}

// 快捷字段
const (
	slotEntity = iota
	slotDate
	slotWeek
	slotCategory
	slotCount
)

// slotKeywords 按优先级排列，一列只落入第一个匹配的快捷字段。
var slotKeywords = [slotCount][]string{
	slotEntity:   {"sku", "asin", "item", "product"},
	slotDate:     {"date", "period", "month"},
	slotWeek:     {"week"},
	slotCategory: {"category", "type", "line"},
}

// Extract 把一张工作表的数据行转换为结构化记录，整行为空的行被跳过。
// 快捷字段（实体键、日期、周、类别）与行号、原文、文档关联都是记录的独立字段，
// 任意列都只写入 Fields，不会覆盖它们。analysis 为 nil 或没有列信息时使用基于表头文本的兜底分类。
func Extract(rows [][]string, sheetName string, analysis *analyzer.Analysis, meta DocumentMeta) []model.StructuredRecord {
	if len(rows) == 0 {
		return nil
	}
	if analysis == nil || len(analysis.Columns) == 0 {
		return extractFallback(rows, sheetName, analysis, meta)
	}

	headers := analysis.Headers(rows)
	cols := analysis.Columns
	slots := classify(analysis)

	var records []model.StructuredRecord
	for offset, row := range analysis.DataRows(rows) {
		if isBlankRow(row) {
			continue
		}
		fields := make(map[string]interface{}, len(cols))
		known := make(map[int]bool, len(cols))
		for _, c := range cols {
			known[c.Index] = true
			v := cell(row, c.Index)
			if v == "" {
				continue
			}
			fields[c.NormalizedName] = parseValue(c.DataType, v)
		}
		// 分析未覆盖的列按表头名原样保留
		for i, v := range row {
			v = strings.TrimSpace(v)
			if known[i] || v == "" {
				continue
			}
			name := analyzer.NormalizeName(cell(headers, i))
			if name == "" {
				name = "column_" + strconv.Itoa(i+1)
			}
			if _, taken := fields[name]; !taken {
				fields[name] = v
			}
		}

		rec := newRecord(meta, sheetName, analysis.SheetType, analysis.DataStartRowIndex+offset, fields, rawText(headers, row))
		for slot, idx := range slots {
			if idx < 0 {
				continue
			}
			if v := cell(row, idx); v != "" {
				setSlot(&rec, slot, v)
			}
		}
		records = append(records, rec)
	}
	return records
}

// classify 返回每个快捷字段对应的列号，-1 表示没有。优先使用分析给出的关键列，
// 没有关键列时对全部列的规范化名称做同样的子串匹配。
func classify(a *analyzer.Analysis) [slotCount]int {
	candidates := make([]analyzer.Column, 0, len(a.Columns))
	for _, idx := range a.KeyColumnIndices {
		if c, ok := a.Column(idx); ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		candidates = a.Columns
	}

	var slots [slotCount]int
	for i := range slots {
		slots[i] = -1
	}
	for _, c := range candidates {
		if slot := matchSlot(c.NormalizedName); slot >= 0 && slots[slot] < 0 {
			slots[slot] = c.Index
		}
	}
	return slots
}

func matchSlot(name string) int {
	name = strings.ToLower(name)
	for slot, keywords := range slotKeywords {
		for _, kw := range keywords {
			if strings.Contains(name, kw) {
				return slot
			}
		}
	}
	return -1
}

// setSlot 写入快捷字段，超出列宽的值按字符截断，完整值仍保留在 Fields 和原文中。
func setSlot(rec *model.StructuredRecord, slot int, v string) {
	switch slot {
	case slotEntity:
		v = model.TruncateRunes(v, model.EntityKeyMaxLen)
		rec.EntityKey = &v
	case slotDate:
		v = model.TruncateRunes(v, model.RecordDateMaxLen)
		rec.RecordDate = &v
	case slotWeek:
		v = model.TruncateRunes(v, model.WeekMaxLen)
		rec.Week = &v
	case slotCategory:
		v = model.TruncateRunes(v, model.CategoryMaxLen)
		rec.Category = &v
	}
}

func newRecord(meta DocumentMeta, sheetName, sheetType string, rowIndex int, fields map[string]interface{}, raw string) model.StructuredRecord {
	b, _ := json.Marshal(fields)
	return model.StructuredRecord{
		DocumentID: meta.DocumentID,
		SheetName:  model.TruncateRunes(sheetName, model.SheetNameMaxLen),
		SheetType:  model.TruncateRunes(sheetType, model.SheetTypeMaxLen),
		RowIndex:   rowIndex,
		Fields:     b,
		RawText:    raw,
		Team:       meta.Team,
	}
}

// rawText 以 "表头: 值" 形式保存整行，供关键词检索。
func rawText(headers, row []string) string {
	parts := make([]string, 0, len(row))
	for i, v := range row {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		h := cell(headers, i)
		if h == "" {
			parts = append(parts, v)
			continue
		}
		parts = append(parts, h+": "+v)
	}
	return strings.Join(parts, " | ")
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
