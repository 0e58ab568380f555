package chunker

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// 纯文本标题行的最大长度
const maxHeadingRunes = 80

var (
	numberedHeading = regexp.MustCompile(`^(\d+(\.\d+)*[.)]?|[IVXLC]+\.|(Section|Chapter|Part)\s+\d+[.:]?)\s+\S`)
	setextUnderline = regexp.MustCompile(`^\s*(=+|-+)\s*$`)
)

// heading 是检测到的一个章节标题。line 是标题所在行，bodyStart 是正文的第一行。
type heading struct {
	line      int
	bodyStart int
	title     string
}

var md = goldmark.New()

// detectHeadings 先用 goldmark 找出 markdown 标题（ATX 与 setext，代码块内的不算），
// 再在剩余的独立行中识别编号标题和全大写标题。结果按行号排序。
func detectHeadings(source string, lines []string) []heading {
	found := make(map[int]heading)
	inCode := markdownHeadings(source, lines, found)

	for i, line := range lines {
		if _, ok := found[i]; ok || inCode[i] {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || utf8.RuneCountInString(trimmed) > maxHeadingRunes {
			continue
		}
		if i > 0 && strings.TrimSpace(lines[i-1]) != "" {
			continue
		}
		if isNumberedHeading(trimmed, lines, i) || isAllCaps(trimmed) {
			found[i] = heading{line: i, bodyStart: i + 1, title: trimmed}
		}
	}

	out := make([]heading, 0, len(found))
	for _, h := range found {
		out = append(out, h)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].line < out[b].line })
	return out
}

// markdownHeadings 把 markdown 标题写入 found，并返回代码块覆盖的行。
func markdownHeadings(source string, lines []string, found map[int]heading) map[int]bool {
	src := []byte(source)
	lineOf := lineIndex(src)
	inCode := make(map[int]bool)

	doc := md.Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			segs := node.Lines()
			for i := 0; i < segs.Len(); i++ {
				inCode[lineOf(segs.At(i).Start)] = true
			}
			// 围栏本身所在的行
			if _, fenced := node.(*ast.FencedCodeBlock); fenced && segs.Len() > 0 {
				inCode[lineOf(segs.At(0).Start)-1] = true
				inCode[lineOf(segs.At(segs.Len()-1).Start)+1] = true
			}
			return ast.WalkSkipChildren, nil
		case *ast.Heading:
			segs := node.Lines()
			if segs.Len() == 0 {
				return ast.WalkSkipChildren, nil
			}
			var parts []string
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				parts = append(parts, strings.TrimSpace(string(seg.Value(src))))
			}
			title := strings.TrimSpace(strings.Trim(strings.Join(parts, " "), "#"))
			if title == "" {
				return ast.WalkSkipChildren, nil
			}
			line := lineOf(segs.At(0).Start)
			body := lineOf(segs.At(segs.Len()-1).Start) + 1
			if body < len(lines) && setextUnderline.MatchString(lines[body]) {
				body++
			}
			found[line] = heading{line: line, bodyStart: body, title: title}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return inCode
}

// lineIndex 返回把字节偏移换算为行号的函数。
func lineIndex(src []byte) func(offset int) int {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return func(offset int) int {
		return sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
	}
}

func isNumberedHeading(line string, lines []string, i int) bool {
	if !numberedHeading.MatchString(line) || strings.HasSuffix(line, ".") {
		return false
	}
	// 连续的编号行更像列表
	for j := i + 1; j < len(lines); j++ {
		next := strings.TrimSpace(lines[j])
		if next == "" {
			continue
		}
		return !numberedHeading.MatchString(next)
	}
	return true
}

func isAllCaps(line string) bool {
	if strings.HasSuffix(line, ".") {
		return false
	}
	letters := 0
	for _, r := range line {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters >= 3
}
