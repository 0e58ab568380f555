package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Fingerprint 计算前 sampleRows 行的 SHA-256 指纹。
// 单元格之间用 0x1f 分隔，行之间用 0x1e 分隔，避免 ["ab","c"] 与 ["a","bc"] 碰撞。
func Fingerprint(rows [][]string, sampleRows int) string {
	h := sha256.New()
	n := len(rows)
	if sampleRows > 0 && n > sampleRows {
		n = sampleRows
	}
	h.Write([]byte(strconv.Itoa(n)))
	for _, row := range rows[:n] {
		h.Write([]byte{0x1e})
		for i, cell := range row {
			if i > 0 {
				h.Write([]byte{0x1f})
			}
			h.Write([]byte(cell))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sample 返回前 n 行。
func sample(rows [][]string, n int) [][]string {
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}

// width 返回样本中最宽一行的列数。
func width(rows [][]string) int {
	w := 0
	for _, r := range rows {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}
