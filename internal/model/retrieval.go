package model

// 检索结果类型
const (
	ResultStructured = "structured"
	ResultSemantic   = "semantic"
	ResultRelated    = "related"
)

// 检索层级
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// UserContext 是发起检索的用户上下文，来自 JWT。
type UserContext struct {
	UserID string `json:"userId"`
	Team   string `json:"team"`
	Role   string `json:"role"`
}

// RetrievalResult 是一条检索证据。
type RetrievalResult struct {
	Type         string  `json:"type"`
	Source       string  `json:"source"`
	SourceURL    string  `json:"sourceUrl"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	Tier         string  `json:"tier"`
	DocumentID   string  `json:"documentId"`
	SheetName    string  `json:"sheetName,omitempty"`
	RowIndex     *int    `json:"rowIndex,omitempty"`
	Relationship string  `json:"relationship,omitempty"`
}

// RetrievalResponse 是 Retrieve 的返回值。
type RetrievalResponse struct {
	Results         []RetrievalResult `json:"results"`
	StructuredCount int               `json:"structuredCount"`
	SemanticCount   int               `json:"semanticCount"`
	RelatedCount    int               `json:"relatedCount"`
	TiersUsed       []string          `json:"tiersUsed"`
	QueryType       string            `json:"queryType"`
}
