package analyzer

import (
	"fmt"
	"strings"

	"dp-chatbot-go/internal/model"
)

// 推断调用参数
const (
	analysisMaxTokens     = 2000
	relationshipMaxTokens = 1500
	inferenceTemperature  = 0.1
	// 单元格在提示词中的最大长度
	maxCellChars = 80
	// 关系推断时每张表展示的行数
	relationshipPreviewRows = 5
)

const analysisPrompt = `You are analyzing one sheet of a spreadsheet.
Document: %q
Sheet: %q
Other sheets in the workbook: %s

The first %d rows are shown below, one per line, as "row <index>: cell | cell | ...".
%s
Return ONLY a JSON object with this shape:
{
  "headerRowIndex": <row index of the header row>,
  "dataStartRowIndex": <row index of the first data row>,
  "sheetType": "<short snake_case purpose, e.g. forecast, inventory, sales, pricing, general>",
  "columns": [
    {"index": <column index>, "originalHeader": "<header text>", "normalizedName": "<snake_case name>",
     "dataType": "text|number|currency|percentage|date|boolean", "description": "<one sentence>"}
  ],
  "keyColumnIndices": [<indices of identifier columns such as SKU, product, date, week, category>],
  "groupingColumnIndex": <index of the column whose values group related rows, or null>,
  "summary": "<one or two sentences describing the sheet>"
}`

const relationshipPrompt = `You are analyzing how the sheets of one workbook relate to each other.
Workbook: %q

%s
Allowed relationship types: %s.
Return ONLY a JSON array. Each element:
{"sourceSheet": "<sheet name>", "targetSheet": "<sheet name>", "type": "<allowed type>",
 "confidence": <0.0-1.0>, "description": "<one sentence>"}
Return [] when the sheets are unrelated.`

func buildAnalysisPrompt(rows [][]string, sheetName, documentTitle string, siblings []string) string {
	others := "none"
	if len(siblings) > 0 {
		quoted := make([]string, 0, len(siblings))
		for _, s := range siblings {
			if s != sheetName {
				quoted = append(quoted, fmt.Sprintf("%q", s))
			}
		}
		if len(quoted) > 0 {
			others = strings.Join(quoted, ", ")
		}
	}
	return fmt.Sprintf(analysisPrompt, documentTitle, sheetName, others, len(rows), renderRows(rows))
}

func buildRelationshipPrompt(sheets map[string][][]string, order []string, documentTitle string) string {
	var b strings.Builder
	for _, name := range order {
		fmt.Fprintf(&b, "Sheet %q:\n", name)
		b.WriteString(renderRows(sample(sheets[name], relationshipPreviewRows)))
		b.WriteByte('\n')
	}
	return fmt.Sprintf(relationshipPrompt, documentTitle, b.String(), strings.Join(model.RelationshipTypes, ", "))
}

func renderRows(rows [][]string) string {
	var b strings.Builder
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, c := range row {
			cells[j] = clip(strings.ReplaceAll(strings.TrimSpace(c), "\n", " "), maxCellChars)
		}
		fmt.Fprintf(&b, "row %d: %s\n", i, strings.Join(cells, " | "))
	}
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
