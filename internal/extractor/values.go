package extractor

import (
	"math"
	"strconv"
	"strings"

	"dp-chatbot-go/internal/analyzer"
)

var numberStripper = strings.NewReplacer(
	"$", "", "€", "", "£", "", "¥", "", "₹", "",
	"%", "", ",", "", " ", "", "\u00a0", "",
	"USD", "", "EUR", "", "GBP", "",
)

// parseNumber 解析数值、金额和百分比，去掉货币符号、百分号与千分位，括号表示负数。
// 百分比保留书写时的数值，例如 "12.5%" 解析为 12.5。
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = numberStripper.Replace(s)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "x", "✓":
		return true, true
	case "false", "no", "n", "0":
		return false, true
	}
	return false, false
}

// parseValue 按列类型解析单元格，无法解析的值原样保留。
func parseValue(dataType, s string) interface{} {
	switch dataType {
	case analyzer.TypeNumber, analyzer.TypeCurrency, analyzer.TypePercentage:
		if v, ok := parseNumber(s); ok {
			return v
		}
	case analyzer.TypeBoolean:
		if v, ok := parseBool(s); ok {
			return v
		}
	}
	return s
}
