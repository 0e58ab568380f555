package chunker

import (
	"fmt"
	"strings"

	"dp-chatbot-go/internal/model"
)

// 摘要根分块中正文开头的最大长度
const summaryLeadChars = 500

// ChunkProse 为正文生成一个摘要根分块和若干段落子分块。
// 检测到标题时每个章节一个子分块（超长时按段落边界切分），第一个标题之前足够长的内容
// 成为 "Introduction"；没有任何标题时整篇按段落边界切成固定大小的片段。
func (c *Chunker) ChunkProse(documentID, title, text string, meta Meta) []model.Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	headings := detectHeadings(text, lines)

	type section struct {
		title string
		body  string
	}
	var sections []section
	if len(headings) == 0 {
		sections = append(sections, section{title: title, body: text})
	} else {
		intro := strings.TrimSpace(strings.Join(lines[:headings[0].line], "\n"))
		if runeLen(intro) >= c.introMinChars {
			sections = append(sections, section{title: "Introduction", body: intro})
		}
		for i, h := range headings {
			end := len(lines)
			if i+1 < len(headings) {
				end = headings[i+1].line
			}
			start := h.bodyStart
			if start > end {
				start = end
			}
			sections = append(sections, section{title: h.title, body: strings.Join(lines[start:end], "\n")})
		}
	}

	titles := make([]string, 0, len(sections))
	for _, s := range sections {
		titles = append(titles, s.title)
	}
	t := newTree(documentID, "", proseSummary(title, text, titles, len(headings) > 0), meta)

	for _, s := range sections {
		prefix := s.title
		if len(headings) == 0 {
			prefix = ""
		}
		budget := c.maxChars
		if prefix != "" {
			budget -= runeLen(prefix) + 2
		}
		pieces := packParagraphs(splitParagraphs(s.body), budget)
		for i, body := range pieces {
			st := s.title
			if len(pieces) > 1 {
				st = fmt.Sprintf("%s (part %d/%d)", s.title, i+1, len(pieces))
			}
			content := body
			if prefix != "" {
				content = prefix + "\n\n" + body
			}
			if runeLen(content) < c.minChars {
				continue
			}
			t.add(model.LevelParagraph, st, content)
		}
	}
	return t.chunks()
}

func proseSummary(title, text string, sections []string, structured bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n", title)
	if structured {
		fmt.Fprintf(&b, "Sections: %s\n", strings.Join(sections, "; "))
	}
	lead := []rune(strings.TrimSpace(text))
	if len(lead) > summaryLeadChars {
		lead = append(lead[:summaryLeadChars], '…')
	}
	b.WriteString("\n")
	b.WriteString(string(lead))
	return b.String()
}
