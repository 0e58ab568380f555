package extractor

import (
	"regexp"
	"strconv"

	"dp-chatbot-go/internal/analyzer"
	"dp-chatbot-go/internal/model"
)

// 直接匹配原始表头文本的兜底规则，与分析结果无关。
var fallbackRules = [slotCount]*regexp.Regexp{
	slotEntity:   regexp.MustCompile(`(?i)(sku|asin|item|product|\bupc\b|\bean\b)`),
	slotDate:     regexp.MustCompile(`(?i)(date|period|month|\bday\b)`),
	slotWeek:     regexp.MustCompile(`(?i)(week|\bwk\b)`),
	slotCategory: regexp.MustCompile(`(?i)(category|\btype\b|\bline\b|segment)`),
}

// extractFallback 以表头行（默认第 0 行）的文本分类快捷字段，数值单元格按数字保存。
func extractFallback(rows [][]string, sheetName string, analysis *analyzer.Analysis, meta DocumentMeta) []model.StructuredRecord {
	headerIdx, dataStart, sheetType := 0, 1, analyzer.SheetTypeGeneral
	if analysis != nil {
		headerIdx, dataStart = analysis.HeaderRowIndex, analysis.DataStartRowIndex
		if analysis.SheetType != "" {
			sheetType = analysis.SheetType
		}
	}
	if headerIdx >= len(rows) {
		return nil
	}
	headers := rows[headerIdx]

	var slots [slotCount]int
	for i := range slots {
		slots[i] = -1
	}
	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = analyzer.NormalizeName(h)
		for slot, re := range fallbackRules {
			if slots[slot] < 0 && re.MatchString(h) {
				slots[slot] = i
				break
			}
		}
	}

	var records []model.StructuredRecord
	for r := dataStart; r < len(rows); r++ {
		row := rows[r]
		if isBlankRow(row) {
			continue
		}
		fields := make(map[string]interface{}, len(row))
		for i, v := range row {
			v = cell(row, i)
			if v == "" {
				continue
			}
			name := ""
			if i < len(names) {
				name = names[i]
			}
			if name == "" {
				name = "column_" + strconv.Itoa(i+1)
			}
			if _, taken := fields[name]; taken {
				continue
			}
			if n, ok := parseNumber(v); ok {
				fields[name] = n
			} else {
				fields[name] = v
			}
		}
		rec := newRecord(meta, sheetName, sheetType, r, fields, rawText(headers, row))
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
