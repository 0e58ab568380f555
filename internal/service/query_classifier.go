package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"dp-chatbot-go/pkg/llm"
	"dp-chatbot-go/pkg/log"

	gocache "github.com/patrickmn/go-cache"
)

// 查询类型，决定检索时运行哪些子检索。
const (
	QueryStructured = "structured"
	QuerySemantic   = "semantic"
	QueryHybrid     = "hybrid"
)

const (
	intentMaxTokens   = 10
	intentTemperature = 0.0
)

var structuredSignals = []string{
	"how many", "how much", "total", "sum", "count", "average", "avg", "number of",
	"units", "revenue", "sales", "inventory", "stock", "forecast for", "quantity", "price",
	"margin", "week", "sku", "asin", "top ", "compare", "list all",
	"多少", "总计", "合计", "库存", "销量", "平均",
}

var semanticSignals = []string{
	"how do", "how does", "how to", "why", "explain", "describe", "what is", "what are",
	"process", "policy", "guideline", "procedure", "overview", "summarize", "meaning",
	"为什么", "如何", "怎么", "流程", "解释", "介绍",
}

// 形如 A100、SKU-2231 的实体编码视为结构化信号
var entityCode = regexp.MustCompile(`\b[a-zA-Z]{1,4}-?\d{2,}\b`)

const intentPrompt = `Classify the retrieval intent of the user question below.
Answer with exactly one word:
- structured: the answer is a lookup or aggregation over spreadsheet rows (numbers, SKUs, dates, weeks)
- semantic: the answer is explained in prose documents (processes, definitions, reasons)
- hybrid: both kinds of evidence are needed

Question: %s`

// QueryClassifier 用关键词判断查询类型，关键词无法判断时才调用模型推断意图。结果在进程内缓存。
type QueryClassifier struct {
	llm   llm.Client
	cache *gocache.Cache
}

// NewQueryClassifier 创建分类器。client 为 nil 时歧义查询按 hybrid 处理。
func NewQueryClassifier(client llm.Client, ttl time.Duration) *QueryClassifier {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &QueryClassifier{llm: client, cache: gocache.New(ttl, 2*ttl)}
}

// Classify 返回 structured、semantic 或 hybrid。
func (c *QueryClassifier) Classify(ctx context.Context, query string) string {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return QueryHybrid
	}
	if v, ok := c.cache.Get(key); ok {
		return v.(string)
	}

	queryType, ambiguous := classifyByKeywords(key)
	if ambiguous && c.llm != nil {
		queryType = c.inferIntent(ctx, query)
	}
	c.cache.SetDefault(key, queryType)
	return queryType
}

// classifyByKeywords 只有一类信号命中时直接给出结论，两类都命中或都未命中视为歧义。
func classifyByKeywords(q string) (string, bool) {
	structured := entityCode.MatchString(q)
	for _, s := range structuredSignals {
		if strings.Contains(q, s) {
			structured = true
			break
		}
	}
	semantic := false
	for _, s := range semanticSignals {
		if strings.Contains(q, s) {
			semantic = true
			break
		}
	}
	switch {
	case structured && !semantic:
		return QueryStructured, false
	case semantic && !structured:
		return QuerySemantic, false
	}
	return QueryHybrid, true
}

func (c *QueryClassifier) inferIntent(ctx context.Context, query string) string {
	text, err := c.llm.Complete(ctx, strings.Replace(intentPrompt, "%s", query, 1), intentMaxTokens, intentTemperature)
	if err != nil {
		log.Warnf("[QueryClassifier] 意图推断失败, 按 hybrid 处理, error: %v", err)
		return QueryHybrid
	}
	answer := strings.ToLower(strings.Trim(llm.StripCodeFence(text), " \t\r\n.\"'`"))
	switch {
	case strings.HasPrefix(answer, QueryStructured):
		return QueryStructured
	case strings.HasPrefix(answer, QuerySemantic):
		return QuerySemantic
	}
	return QueryHybrid
}
