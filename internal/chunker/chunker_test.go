package chunker

import (
	"fmt"
	"strings"
	"testing"

	"dp-chatbot-go/internal/analyzer"
	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunker() *Chunker {
	return New(config.ChunkerConfig{})
}

func intPtr(i int) *int { return &i }

// assertHierarchy 检查恰有一个根分块，且所有子分块的父分块都存在于同一文档。
func assertHierarchy(t *testing.T, chunks []model.Chunk) {
	t.Helper()
	ids := make(map[string]model.Chunk, len(chunks))
	roots := 0
	for _, c := range chunks {
		ids[c.ID] = c
		if c.IsRoot() {
			roots++
		}
	}
	assert.Equal(t, 1, roots)
	for _, c := range chunks {
		if c.IsRoot() {
			continue
		}
		parent, ok := ids[*c.ParentChunkID]
		require.True(t, ok, "parent of %s missing", c.ID)
		assert.Equal(t, c.DocumentID, parent.DocumentID)
		assert.True(t, parent.IsRoot())
	}
}

func forecastSheet() provider.Sheet {
	return provider.Sheet{Name: "Forecast", Rows: [][]string{
		{"SKU", "Week", "Units"},
		{"A100", "W1", "10"},
		{"A100", "W2", "12"},
		{"B200", "W1", "7"},
	}}
}

func forecastAnalysis() *analyzer.Analysis {
	return &analyzer.Analysis{
		HeaderRowIndex:    0,
		DataStartRowIndex: 1,
		SheetType:         "forecast",
		Columns: []analyzer.Column{
			{Index: 0, OriginalHeader: "SKU", NormalizedName: "sku", DataType: analyzer.TypeText},
			{Index: 1, OriginalHeader: "Week", NormalizedName: "week", DataType: analyzer.TypeText},
			{Index: 2, OriginalHeader: "Units", NormalizedName: "units", DataType: analyzer.TypeNumber},
		},
		KeyColumnIndices:    []int{0},
		GroupingColumnIndex: intPtr(0),
	}
}

func TestChunkTabularGroupsBySKU(t *testing.T) {
	chunks := newTestChunker().ChunkTabular("doc-1", "Plan", forecastSheet(), forecastAnalysis(), Meta{Team: "planning"})

	require.Len(t, chunks, 3)
	assertHierarchy(t, chunks)
	assert.Equal(t, model.LevelSection, chunks[0].Level)
	assert.Contains(t, chunks[0].Content, "Grouped by SKU: A100, B200")

	a100, b200 := chunks[1], chunks[2]
	assert.Equal(t, model.LevelGroup, a100.Level)
	assert.Equal(t, "SKU: A100", a100.SectionTitle)
	assert.Contains(t, a100.Content, "SKU: A100 | Week: W1 | Units: 10")
	assert.Contains(t, a100.Content, "SKU: A100 | Week: W2 | Units: 12")
	assert.NotContains(t, a100.Content, "B200")
	assert.Equal(t, "SKU: B200", b200.SectionTitle)
	assert.Contains(t, b200.Content, "Units: 7")

	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, "Forecast", c.SheetName)
		assert.JSONEq(t, `{"team":"planning","sheetName":"Forecast"}`, string(c.Metadata))
	}
}

func TestChunkTabularIDsAreStable(t *testing.T) {
	c := newTestChunker()
	first := c.ChunkTabular("doc-1", "Plan", forecastSheet(), forecastAnalysis(), Meta{})
	second := c.ChunkTabular("doc-1", "Plan", forecastSheet(), forecastAnalysis(), Meta{})
	other := c.ChunkTabular("doc-2", "Plan", forecastSheet(), forecastAnalysis(), Meta{})
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.NotEqual(t, first[i].ID, other[i].ID)
	}
}

func TestChunkTabularBatchesWithoutGrouping(t *testing.T) {
	rows := [][]string{{"Name", "Value"}}
	for i := 0; i < 60; i++ {
		rows = append(rows, []string{fmt.Sprintf("item-%02d", i), fmt.Sprintf("%d", i*10)})
	}
	rows = append(rows, []string{"", " "})

	chunks := newTestChunker().ChunkTabular("doc-1", "Plan", provider.Sheet{Name: "Data", Rows: rows}, nil, Meta{})
	require.Len(t, chunks, 4, "root plus batches of 25, 25 and 10 rows")
	assertHierarchy(t, chunks)
	assert.Equal(t, "Data rows 1-25", chunks[1].SectionTitle)
	assert.Equal(t, "Data rows 51-60", chunks[3].SectionTitle)
	assert.Contains(t, chunks[0].Content, "Rows: 60")
}

func TestChunkTabularSplitsOversizedGroupKeepingContext(t *testing.T) {
	rows := [][]string{{"SKU", "Note"}}
	for i := 0; i < 40; i++ {
		rows = append(rows, []string{"A100", strings.Repeat("x", 60) + fmt.Sprintf("-%d", i)})
	}
	c := New(config.ChunkerConfig{MaxChars: 500})
	a := &analyzer.Analysis{HeaderRowIndex: 0, DataStartRowIndex: 1, SheetType: "notes", GroupingColumnIndex: intPtr(0)}

	chunks := c.ChunkTabular("doc-1", "Plan", provider.Sheet{Name: "Notes", Rows: rows}, a, Meta{})
	require.Greater(t, len(chunks), 3)
	assertHierarchy(t, chunks)
	for _, ch := range chunks[1:] {
		assert.LessOrEqual(t, runeLen(ch.Content), 500)
		assert.True(t, strings.HasPrefix(ch.Content, "Document: Plan | Sheet: Notes\nColumns: SKU | Note\nSKU: A100\n"))
		assert.Contains(t, ch.SectionTitle, "SKU: A100 (part ")
	}
}

func TestChunkTabularWideSheetKeepsBodyBudget(t *testing.T) {
	header := make([]string, 120)
	row1 := make([]string, 120)
	row2 := make([]string, 120)
	for i := range header {
		header[i] = fmt.Sprintf("Quarterly metric %03d", i+1)
		row1[i] = fmt.Sprintf("%d", 1000+i)
		row2[i] = fmt.Sprintf("%d", 2000+i)
	}
	sheet := provider.Sheet{Name: "Metrics", Rows: [][]string{header, row1, row2}}

	chunks := newTestChunker().ChunkTabular("doc-1", "KPIs", sheet, nil, Meta{})
	require.NotEmpty(t, chunks)
	assertHierarchy(t, chunks)
	// 两行约 6000 字符，正文预算不低于一半时最多几片
	assert.Less(t, len(chunks), 12)

	longest := 0
	for _, ch := range chunks {
		assert.LessOrEqual(t, runeLen(ch.Content), DefaultMaxChars)
		if ch.IsRoot() {
			continue
		}
		lines := strings.SplitN(ch.Content, "\n", 3)
		require.Len(t, lines, 3)
		assert.True(t, strings.HasSuffix(lines[1], "…"), "column list should be capped")
		if n := runeLen(lines[2]); n > longest {
			longest = n
		}
	}
	assert.GreaterOrEqual(t, longest, DefaultMaxChars/2-2)
}

func TestChunkTabularEmptySheet(t *testing.T) {
	assert.Nil(t, newTestChunker().ChunkTabular("doc-1", "Plan", provider.Sheet{Name: "Empty"}, nil, Meta{}))

	headerOnly := newTestChunker().ChunkTabular("doc-1", "Plan", provider.Sheet{Name: "H", Rows: [][]string{{"a", "b"}}}, nil, Meta{})
	require.Len(t, headerOnly, 1)
	assert.True(t, headerOnly[0].IsRoot())
}

const handbook = `This handbook describes how the planning team builds the weekly demand forecast and how it is reviewed.

# Inputs

Sales history is exported every Monday from the order system and cleaned before use.

## Adjustments

Promotions and stock-outs are corrected manually by the analyst on duty.

` + "```" + `
# not a heading inside code
` + "```" + `

REVIEW PROCESS

The forecast is reviewed on Tuesday by the category managers and signed off by finance.

2.1 Publication

The approved forecast is published to the shared drive by Wednesday noon.
`

func TestChunkProseSplitsOnHeadings(t *testing.T) {
	chunks := newTestChunker().ChunkProse("doc-1", "Handbook", handbook, Meta{Team: "planning"})
	assertHierarchy(t, chunks)

	var titles []string
	for _, c := range chunks[1:] {
		assert.Equal(t, model.LevelParagraph, c.Level)
		titles = append(titles, c.SectionTitle)
	}
	assert.Equal(t, []string{"Introduction", "Inputs", "Adjustments", "REVIEW PROCESS", "2.1 Publication"}, titles)
	assert.Contains(t, chunks[3].Content, "# not a heading inside code")
	assert.Contains(t, chunks[0].Content, "Sections: Introduction; Inputs; Adjustments; REVIEW PROCESS; 2.1 Publication")
}

func TestChunkProseShortIntroIsDropped(t *testing.T) {
	text := "Draft.\n\n# Scope\n\nThis section explains which product lines are covered by the plan and which are not."
	chunks := newTestChunker().ChunkProse("doc-1", "Plan", text, Meta{})
	require.Len(t, chunks, 2)
	assert.Equal(t, "Scope", chunks[1].SectionTitle)
}

func TestChunkProseWithoutHeadingsUsesParagraphBudget(t *testing.T) {
	var paras []string
	for i := 0; i < 30; i++ {
		paras = append(paras, fmt.Sprintf("paragraph %d %s", i, strings.Repeat("word ", 30)))
	}
	text := strings.Join(paras, "\n\n")

	chunks := New(config.ChunkerConfig{MaxChars: 600}).ChunkProse("doc-1", "Notes", text, Meta{})
	require.Greater(t, len(chunks), 2)
	assertHierarchy(t, chunks)
	for _, c := range chunks[1:] {
		assert.LessOrEqual(t, runeLen(c.Content), 600)
		// 不在段落中间切分
		for _, p := range strings.Split(c.Content, "\n\n") {
			assert.True(t, strings.HasPrefix(p, "paragraph "), p)
		}
	}
}

func TestChunkProseDropsTinyChunksAndBlankText(t *testing.T) {
	assert.Nil(t, newTestChunker().ChunkProse("doc-1", "Empty", "  \n\n ", Meta{}))

	text := "# A\n\nshort\n\n# B\n\n" + strings.Repeat("long enough body text ", 5)
	chunks := newTestChunker().ChunkProse("doc-1", "Doc", text, Meta{})
	require.Len(t, chunks, 2)
	assert.Equal(t, "B", chunks[1].SectionTitle)
}

func TestPackParagraphsSplitsLongParagraph(t *testing.T) {
	long := strings.Repeat("abcdefghi ", 50)
	pieces := packParagraphs([]string{"intro", long, "outro"}, 100)
	require.Greater(t, len(pieces), 3)
	assert.Equal(t, "intro", pieces[0])
	assert.Equal(t, "outro", pieces[len(pieces)-1])
	for _, p := range pieces {
		assert.LessOrEqual(t, runeLen(p), 100)
	}
}
