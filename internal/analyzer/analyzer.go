package analyzer

import (
	"context"
	"encoding/json"
	"errors"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/pkg/llm"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/resilience"
)

const defaultSampleRows = 50

var errNoInference = errors.New("inference client not configured")

// Analyzer 调用推断服务推断表格结构。推断失败时返回 Fallback，不会中断导入。
type Analyzer struct {
	llm        llm.Client
	cache      repository.AnalysisCacheRepository
	sampleRows int
}

// New 创建 Analyzer。client 为 nil 时所有分析都返回 Fallback；cache 为 nil 时不缓存。
func New(client llm.Client, cache repository.AnalysisCacheRepository, cfg config.AnalyzerConfig) *Analyzer {
	n := cfg.SampleRows
	if n <= 0 {
		n = defaultSampleRows
	}
	return &Analyzer{llm: client, cache: cache, sampleRows: n}
}

// Analyze 对前 sampleRows 行做一次推断。
func (a *Analyzer) Analyze(ctx context.Context, rows [][]string, sheetName, documentTitle string, siblings []string) *Analysis {
	if len(rows) == 0 {
		return Fallback()
	}
	rows = sample(rows, a.sampleRows)
	analysis, err := a.infer(ctx, rows, sheetName, documentTitle, siblings)
	if err != nil {
		log.Warnf("[Analyzer] 工作表结构推断失败, 使用默认分析, sheet: %s, error: %v", sheetName, err)
		return Fallback()
	}
	log.Infof("[Analyzer] 工作表结构推断完成, sheet: %s, type: %s, columns: %d", sheetName, analysis.SheetType, len(analysis.Columns))
	return analysis
}

func (a *Analyzer) infer(ctx context.Context, rows [][]string, sheetName, documentTitle string, siblings []string) (*Analysis, error) {
	if a.llm == nil {
		return nil, errNoInference
	}
	prompt := buildAnalysisPrompt(rows, sheetName, documentTitle, siblings)
	text, err := a.llm.Complete(ctx, prompt, analysisMaxTokens, inferenceTemperature)
	if err != nil {
		return nil, err
	}
	var analysis Analysis
	if err := json.Unmarshal([]byte(llm.StripCodeFence(text)), &analysis); err != nil {
		return nil, err
	}
	analysis.normalize(width(rows))
	if err := analysis.check(len(rows)); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// GetOrCreateAnalysis 以 (documentID, sheetName, 指纹) 查缓存，命中直接返回，否则推断并写入缓存。
// 缓存读写失败只记录日志，退回到重新推断。
func (a *Analyzer) GetOrCreateAnalysis(ctx context.Context, documentID, sheetName string, rows [][]string, documentTitle string, siblings []string) *Analysis {
	hash := Fingerprint(rows, a.sampleRows)

	if a.cache != nil {
		payload, ok, err := a.cachedPayload(ctx, documentID, sheetName, hash)
		switch {
		case err != nil:
			log.Warnf("[Analyzer] 读取分析缓存失败, doc: %s, sheet: %s, error: %v", documentID, sheetName, err)
		case ok:
			var cached Analysis
			if err := json.Unmarshal(payload, &cached); err == nil {
				log.Infof("[Analyzer] 命中分析缓存, doc: %s, sheet: %s", documentID, sheetName)
				return &cached
			}
			log.Warnf("[Analyzer] 分析缓存内容无法解析, 重新推断, doc: %s, sheet: %s", documentID, sheetName)
		}
	}

	analysis := a.Analyze(ctx, rows, sheetName, documentTitle, siblings)
	if analysis.Fallback || a.cache == nil {
		return analysis
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return analysis
	}
	err = resilience.Do(ctx, resilience.StorePolicy, "analysis_cache.put", func(ctx context.Context) error {
		return a.cache.Put(ctx, documentID, sheetName, hash, payload)
	})
	if err != nil {
		log.Warnf("[Analyzer] 写入分析缓存失败, doc: %s, sheet: %s, error: %v", documentID, sheetName, err)
	}
	return analysis
}

type cacheEntry struct {
	payload []byte
	ok      bool
}

func (a *Analyzer) cachedPayload(ctx context.Context, documentID, sheetName, hash string) ([]byte, bool, error) {
	e, err := resilience.Call(ctx, resilience.StorePolicy, "analysis_cache.get", func(ctx context.Context) (cacheEntry, error) {
		payload, ok, err := a.cache.Get(ctx, documentID, sheetName, hash)
		return cacheEntry{payload, ok}, err
	})
	return e.payload, e.ok, err
}
