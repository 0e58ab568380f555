package model

import "unicode/utf8"

// 与表结构中 varchar 列宽一致的字符上限
const (
	SheetNameMaxLen    = 255
	SheetTypeMaxLen    = 64
	SectionTitleMaxLen = 512
	TitleMaxLen        = 512
	EntityKeyMaxLen    = 191
	CategoryMaxLen     = 191
	RecordDateMaxLen   = 64
	WeekMaxLen         = 32
)

// TruncateRunes 把 s 截断到最多 n 个字符，不会切开多字节字符。
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
