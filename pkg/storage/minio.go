// Package storage 提供了基于 MinIO 对象存储的内容源实现。
// 文件夹对应对象前缀，对象 key 即文件 ID。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/provider"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxObjectSize 限制单个对象读取的字节数。
const MaxObjectSize = 20 * 1024 * 1024

// TextExtractor 从二进制文档中提取纯文本（由 Tika 客户端实现）。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// NewMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Info("MinIO 客户端初始化成功")
	return client, nil
}

// Provider 以 MinIO 存储桶作为内容源。
type Provider struct {
	client  *minio.Client
	bucket  string
	baseURL string
	tika    TextExtractor
}

// NewProvider 创建一个 MinIO 内容源。
func NewProvider(client *minio.Client, cfg config.MinIOConfig, tika TextExtractor) *Provider {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return &Provider{
		client:  client,
		bucket:  cfg.BucketName,
		baseURL: fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.BucketName),
		tika:    tika,
	}
}

// ListFiles 列举前缀下的对象，recursive 为 false 时只列举当前层级。
func (p *Provider) ListFiles(ctx context.Context, folderID string, recursive bool) ([]provider.SourceFile, error) {
	prefix := strings.Trim(folderID, "/")
	if prefix != "" {
		prefix += "/"
	}

	var out []provider.SourceFile
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, classify("minio.list", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		kind, ok := kindOf(obj.Key)
		if !ok {
			continue
		}
		var owners []string
		if obj.Owner.DisplayName != "" {
			owners = []string{obj.Owner.DisplayName}
		}
		out = append(out, provider.SourceFile{
			ID:             obj.Key,
			Name:           path.Base(obj.Key),
			Kind:           kind,
			MimeType:       obj.ContentType,
			ParentFolderID: strings.TrimSuffix(path.Dir(obj.Key), "."),
			ModifiedTime:   obj.LastModified.UTC(),
			Owners:         owners,
			URL:            p.baseURL + "/" + obj.Key,
		})
	}
	log.Infof("[MinIO] 前缀 %q 列举完成, 共 %d 个可处理文件", prefix, len(out))
	return out, nil
}

// FetchTabular 读取 csv/tsv 或 JSON 工作簿对象。
func (p *Provider) FetchTabular(ctx context.Context, fileID string) (*provider.TabularContent, error) {
	data, err := p.read(ctx, fileID)
	if err != nil {
		return nil, err
	}
	name := path.Base(fileID)
	switch strings.ToLower(path.Ext(fileID)) {
	case ".csv":
		rows, err := provider.ParseCSV(bytes.NewReader(data), ',')
		if err != nil {
			return nil, errs.Validation("minio.fetch_tabular", err.Error())
		}
		return &provider.TabularContent{Title: name, Sheets: []provider.Sheet{{Name: "Sheet1", Rows: rows}}}, nil
	case ".tsv":
		rows, err := provider.ParseCSV(bytes.NewReader(data), '\t')
		if err != nil {
			return nil, errs.Validation("minio.fetch_tabular", err.Error())
		}
		return &provider.TabularContent{Title: name, Sheets: []provider.Sheet{{Name: "Sheet1", Rows: rows}}}, nil
	case ".json":
		wb, err := provider.ParseWorkbookJSON(bytes.NewReader(data), name)
		if err != nil {
			return nil, errs.Validation("minio.fetch_tabular", err.Error())
		}
		return wb, nil
	}
	return nil, errs.Validation("minio.fetch_tabular", "unsupported tabular object: "+fileID)
}

// FetchText 直接读取纯文本对象，其余格式交给 Tika 提取。
func (p *Provider) FetchText(ctx context.Context, fileID string) (*provider.TextContent, error) {
	data, err := p.read(ctx, fileID)
	if err != nil {
		return nil, err
	}
	name := path.Base(fileID)
	switch strings.ToLower(path.Ext(fileID)) {
	case ".txt", ".md", ".markdown":
		return &provider.TextContent{Title: name, Text: string(data)}, nil
	}
	if p.tika == nil {
		return nil, errs.Validation("minio.fetch_text", "no text extractor configured for "+fileID)
	}
	text, err := p.tika.ExtractText(ctx, bytes.NewReader(data), name)
	if err != nil {
		return nil, err
	}
	return &provider.TextContent{Title: name, Text: text}, nil
}

func (p *Provider) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("minio.get", err)
	}
	defer obj.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(io.LimitReader(obj, MaxObjectSize)); err != nil {
		return nil, classify("minio.read", err)
	}
	return buf.Bytes(), nil
}

func kindOf(key string) (provider.Kind, bool) {
	switch strings.ToLower(path.Ext(key)) {
	case ".csv", ".tsv", ".json":
		return provider.KindTabular, true
	case ".txt", ".md", ".markdown", ".pdf", ".doc", ".docx", ".ppt", ".pptx", ".html", ".htm", ".rtf", ".odt":
		return provider.KindText, true
	}
	return "", false
}

func classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return errs.NotFound(op, resp.Message)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || resp.Code == "SlowDown":
		return errs.Transient(op, err)
	case resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch":
		return errs.Validation(op, resp.Message)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errs.Transient(op, err)
	}
	return errs.Internal(op, err)
}
