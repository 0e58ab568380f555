// Package gdrive implements provider.Provider on top of the Google Drive and Sheets APIs.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/provider"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	mimeFolder      = "application/vnd.google-apps.folder"
	mimeSpreadsheet = "application/vnd.google-apps.spreadsheet"
	mimeDocument    = "application/vnd.google-apps.document"
	mimeCSV         = "text/csv"

	listFields = "nextPageToken, files(id, name, mimeType, modifiedTime, parents, owners(emailAddress), webViewLink)"
	pageSize   = 1000

	// MaxExportSize caps downloaded or exported text content.
	MaxExportSize = 5 * 1024 * 1024
)

// Factory opens Drive-backed providers. One limiter is shared across every
// provider it opens so concurrent folder syncs stay under the API quota.
type Factory struct {
	cfg     config.GoogleConfig
	limiter *rate.Limiter
}

// NewFactory creates a Factory from the Google configuration.
func NewFactory(cfg config.GoogleConfig) *Factory {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Factory{cfg: cfg, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Open builds Drive and Sheets services for the credentials. Empty credentials
// fall back to the service tokens from configuration.
func (f *Factory) Open(ctx context.Context, creds provider.Credentials) (provider.Provider, error) {
	if creds.IsZero() {
		creds = provider.Credentials{AccessToken: f.cfg.AccessToken, RefreshToken: f.cfg.RefreshToken}
	}
	if creds.IsZero() {
		return nil, errs.Validation("gdrive.open", "no google credentials supplied")
	}

	ts := f.tokenSource(ctx, creds)
	driveSvc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, errs.Internal("gdrive.open", fmt.Errorf("create drive service: %w", err))
	}
	sheetsSvc, err := sheets.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, errs.Internal("gdrive.open", fmt.Errorf("create sheets service: %w", err))
	}
	return &Provider{drive: driveSvc, sheets: sheetsSvc, limiter: f.limiter}, nil
}

func (f *Factory) tokenSource(ctx context.Context, creds provider.Credentials) oauth2.TokenSource {
	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
		Expiry:       creds.Expiry,
	}
	if f.cfg.ClientID == "" || creds.RefreshToken == "" {
		return oauth2.StaticTokenSource(tok)
	}
	oc := &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveReadonlyScope, sheets.SpreadsheetsReadonlyScope},
	}
	return oc.TokenSource(ctx, tok)
}

// Provider lists and fetches Drive files.
type Provider struct {
	drive   *drive.Service
	sheets  *sheets.Service
	limiter *rate.Limiter
}

// ListFiles walks the folder breadth-first, following every page of every
// sub-folder when recursive is set. Files of unsupported types are skipped.
func (p *Provider) ListFiles(ctx context.Context, folderID string, recursive bool) ([]provider.SourceFile, error) {
	var out []provider.SourceFile
	queue := []string{folderID}
	seen := map[string]bool{folderID: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		pageToken := ""
		for {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			call := p.drive.Files.List().
				Q(fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(current))).
				Fields(listFields).
				PageSize(pageSize).
				SupportsAllDrives(true).
				IncludeItemsFromAllDrives(true).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				return nil, classify("gdrive.list", err)
			}

			for _, f := range resp.Files {
				if f.MimeType == mimeFolder {
					if recursive && !seen[f.Id] {
						seen[f.Id] = true
						queue = append(queue, f.Id)
					}
					continue
				}
				kind, ok := kindOf(f.MimeType)
				if !ok {
					continue
				}
				out = append(out, toSourceFile(f, current, kind))
			}

			if resp.NextPageToken == "" {
				break
			}
			pageToken = resp.NextPageToken
		}
	}
	log.Infof("[GDrive] 文件夹 %s 列举完成, 共 %d 个可处理文件", folderID, len(out))
	return out, nil
}

// FetchTabular reads every sheet of a Google spreadsheet, or a CSV file as one sheet.
func (p *Provider) FetchTabular(ctx context.Context, fileID string) (*provider.TabularContent, error) {
	meta, err := p.fileMeta(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if meta.MimeType == mimeCSV {
		body, err := p.download(ctx, fileID)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		rows, err := provider.ParseCSV(io.LimitReader(body, MaxExportSize), ',')
		if err != nil {
			return nil, errs.Validation("gdrive.fetch_tabular", err.Error())
		}
		return &provider.TabularContent{Title: meta.Name, Sheets: []provider.Sheet{{Name: "Sheet1", Rows: rows}}}, nil
	}
	if meta.MimeType != mimeSpreadsheet {
		return nil, errs.Validation("gdrive.fetch_tabular", "file is not tabular: "+meta.MimeType)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ss, err := p.sheets.Spreadsheets.Get(fileID).
		Fields("properties.title,sheets.properties.title").
		Context(ctx).Do()
	if err != nil {
		return nil, classify("gdrive.fetch_tabular", err)
	}
	out := &provider.TabularContent{Title: ss.Properties.Title}
	if len(ss.Sheets) == 0 {
		return out, nil
	}

	ranges := make([]string, 0, len(ss.Sheets))
	for _, s := range ss.Sheets {
		ranges = append(ranges, quoteSheetName(s.Properties.Title))
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	values, err := p.sheets.Spreadsheets.Values.BatchGet(fileID).
		Ranges(ranges...).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).Do()
	if err != nil {
		return nil, classify("gdrive.fetch_tabular", err)
	}
	for i, s := range ss.Sheets {
		sheet := provider.Sheet{Name: s.Properties.Title}
		if i < len(values.ValueRanges) {
			sheet.Rows = provider.StringifyRows(values.ValueRanges[i].Values)
		}
		out.Sheets = append(out.Sheets, sheet)
	}
	return out, nil
}

// FetchText exports Google Docs as plain text and downloads other text files as-is.
func (p *Provider) FetchText(ctx context.Context, fileID string) (*provider.TextContent, error) {
	meta, err := p.fileMeta(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.ReadCloser
	if meta.MimeType == mimeDocument {
		resp, err := p.drive.Files.Export(fileID, "text/plain").Context(ctx).Download()
		if err != nil {
			return nil, classify("gdrive.fetch_text", err)
		}
		body = resp.Body
	} else {
		body, err = p.download(ctx, fileID)
		if err != nil {
			return nil, err
		}
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, MaxExportSize))
	if err != nil {
		return nil, classify("gdrive.fetch_text", err)
	}
	return &provider.TextContent{Title: meta.Name, Text: string(data)}, nil
}

func (p *Provider) fileMeta(ctx context.Context, fileID string) (*drive.File, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	f, err := p.drive.Files.Get(fileID).
		Fields("id, name, mimeType").
		SupportsAllDrives(true).
		Context(ctx).Do()
	if err != nil {
		return nil, classify("gdrive.get", err)
	}
	return f, nil
}

func (p *Provider) download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := p.drive.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, classify("gdrive.download", err)
	}
	return resp.Body, nil
}

func kindOf(mime string) (provider.Kind, bool) {
	switch {
	case mime == mimeSpreadsheet, mime == mimeCSV:
		return provider.KindTabular, true
	case mime == mimeDocument, strings.HasPrefix(mime, "text/"):
		return provider.KindText, true
	}
	return "", false
}

func toSourceFile(f *drive.File, parent string, kind provider.Kind) provider.SourceFile {
	modified, err := time.Parse(time.RFC3339, f.ModifiedTime)
	if err != nil {
		log.Warnf("[GDrive] 文件 %s 的 modifiedTime 无法解析: %q", f.Id, f.ModifiedTime)
	}
	owners := make([]string, 0, len(f.Owners))
	for _, o := range f.Owners {
		if o.EmailAddress != "" {
			owners = append(owners, o.EmailAddress)
		}
	}
	url := f.WebViewLink
	if url == "" {
		url = "https://drive.google.com/file/d/" + f.Id + "/view"
	}
	return provider.SourceFile{
		ID:             f.Id,
		Name:           f.Name,
		Kind:           kind,
		MimeType:       f.MimeType,
		ParentFolderID: parent,
		ModifiedTime:   modified.UTC(),
		Owners:         owners,
		URL:            url,
	}
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}

// quoteSheetName builds an A1 range covering a whole sheet.
func quoteSheetName(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
