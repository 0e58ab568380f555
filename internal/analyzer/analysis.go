// Package analyzer 推断表格的表头位置、列语义和工作表用途，并按内容指纹缓存结果。
package analyzer

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// 列数据类型
const (
	TypeText       = "text"
	TypeNumber     = "number"
	TypeCurrency   = "currency"
	TypePercentage = "percentage"
	TypeDate       = "date"
	TypeBoolean    = "boolean"
)

// SheetTypeGeneral 是推断失败时的工作表类型。
const SheetTypeGeneral = "general"

// Column 描述一列的语义。
type Column struct {
	Index          int    `json:"index" validate:"gte=0"`
	OriginalHeader string `json:"originalHeader"`
	NormalizedName string `json:"normalizedName" validate:"required,max=128"`
	DataType       string `json:"dataType" validate:"oneof=text number currency percentage date boolean"`
	Description    string `json:"description" validate:"max=512"`
}

// Analysis 是一张工作表的结构推断结果。
// Fallback 为 true 表示推断失败后的保守结果，这种结果不写入缓存。
type Analysis struct {
	HeaderRowIndex      int      `json:"headerRowIndex" validate:"gte=0"`
	DataStartRowIndex   int      `json:"dataStartRowIndex" validate:"gtfield=HeaderRowIndex"`
	SheetType           string   `json:"sheetType" validate:"required,max=64"`
	Columns             []Column `json:"columns" validate:"dive"`
	KeyColumnIndices    []int    `json:"keyColumnIndices" validate:"dive,gte=0"`
	GroupingColumnIndex *int     `json:"groupingColumnIndex,omitempty" validate:"omitempty,gte=0"`
	Summary             string   `json:"summary" validate:"max=2000"`
	Fallback            bool     `json:"fallback,omitempty"`
}

// Fallback 返回保守的默认分析：第 0 行为表头，第 1 行开始为数据，类型为 general，无列信息。
func Fallback() *Analysis {
	return &Analysis{
		HeaderRowIndex:    0,
		DataStartRowIndex: 1,
		SheetType:         SheetTypeGeneral,
		Columns:           []Column{},
		KeyColumnIndices:  []int{},
		Fallback:          true,
	}
}

// Column 按列号查找列信息。
func (a *Analysis) Column(index int) (Column, bool) {
	for _, c := range a.Columns {
		if c.Index == index {
			return c, true
		}
	}
	return Column{}, false
}

// Headers 返回表头行，越界时返回 nil。
func (a *Analysis) Headers(rows [][]string) []string {
	if a.HeaderRowIndex < 0 || a.HeaderRowIndex >= len(rows) {
		return nil
	}
	return rows[a.HeaderRowIndex]
}

// DataRows 返回数据行区间，越界时返回空切片。
func (a *Analysis) DataRows(rows [][]string) [][]string {
	if a.DataStartRowIndex < 0 || a.DataStartRowIndex >= len(rows) {
		return nil
	}
	return rows[a.DataStartRowIndex:]
}

var validate = validator.New()

var dataTypeAliases = map[string]string{
	"string":   TypeText,
	"str":      TypeText,
	"integer":  TypeNumber,
	"int":      TypeNumber,
	"float":    TypeNumber,
	"decimal":  TypeNumber,
	"numeric":  TypeNumber,
	"money":    TypeCurrency,
	"percent":  TypePercentage,
	"datetime": TypeDate,
	"bool":     TypeBoolean,
}

// normalize 统一大小写与别名，并丢弃越界的列引用。width 是样本中最宽一行的列数。
func (a *Analysis) normalize(width int) {
	a.SheetType = strings.ToLower(strings.TrimSpace(a.SheetType))
	if a.DataStartRowIndex <= a.HeaderRowIndex {
		a.DataStartRowIndex = a.HeaderRowIndex + 1
	}
	cols := a.Columns[:0]
	for _, c := range a.Columns {
		if c.Index < 0 || (width > 0 && c.Index >= width) {
			continue
		}
		c.DataType = strings.ToLower(strings.TrimSpace(c.DataType))
		if alias, ok := dataTypeAliases[c.DataType]; ok {
			c.DataType = alias
		}
		if c.DataType == "" {
			c.DataType = TypeText
		}
		c.NormalizedName = NormalizeName(c.NormalizedName)
		if c.NormalizedName == "" {
			c.NormalizedName = NormalizeName(c.OriginalHeader)
		}
		if c.NormalizedName == "" {
			c.NormalizedName = fmt.Sprintf("column_%d", c.Index)
		}
		cols = append(cols, c)
	}
	a.Columns = cols

	keys := make([]int, 0, len(a.KeyColumnIndices))
	for _, k := range a.KeyColumnIndices {
		if _, ok := a.Column(k); ok {
			keys = append(keys, k)
		}
	}
	a.KeyColumnIndices = keys

	if a.GroupingColumnIndex != nil && (*a.GroupingColumnIndex < 0 || (width > 0 && *a.GroupingColumnIndex >= width)) {
		a.GroupingColumnIndex = nil
	}
	a.Fallback = false
}

// check 校验推断结果的结构。
func (a *Analysis) check(rowCount int) error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	if rowCount > 0 && a.HeaderRowIndex >= rowCount {
		return fmt.Errorf("headerRowIndex %d out of range (%d rows)", a.HeaderRowIndex, rowCount)
	}
	return nil
}

// NormalizeName 把列名转为小写下划线形式。
func NormalizeName(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
