// Package provider defines the contract of an external content store
// (Google Drive, an object-store bucket) that ingestion lists and fetches from.
package provider

import (
	"context"
	"time"
)

// Kind tells which fetch call applies to a file.
type Kind string

const (
	KindTabular Kind = "tabular"
	KindText    Kind = "text"
)

// SourceFile is one file discovered under a folder.
type SourceFile struct {
	ID             string
	Name           string
	Kind           Kind
	MimeType       string
	ParentFolderID string
	ModifiedTime   time.Time
	Owners         []string
	URL            string
}

// Sheet is one tab of a tabular file. Rows are raw cell strings, ragged rows allowed.
type Sheet struct {
	Name string
	Rows [][]string
}

// TabularContent is the fetched content of a spreadsheet-like file.
type TabularContent struct {
	Title  string
	Sheets []Sheet
}

// SheetNames returns the sheet names in workbook order.
func (t *TabularContent) SheetNames() []string {
	names := make([]string, 0, len(t.Sheets))
	for _, s := range t.Sheets {
		names = append(names, s.Name)
	}
	return names
}

// TextContent is the fetched content of a document-like file.
type TextContent struct {
	Title string
	Text  string
}

// Provider lists and fetches files. Implementations page transparently and
// classify failures with the errs package so callers can decide on retries.
type Provider interface {
	ListFiles(ctx context.Context, folderID string, recursive bool) ([]SourceFile, error)
	FetchTabular(ctx context.Context, fileID string) (*TabularContent, error)
	FetchText(ctx context.Context, fileID string) (*TextContent, error)
}

// Credentials carries the caller's access to the content store.
// Providers backed by static server credentials ignore it.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	Expiry       time.Time `json:"expiry"`
}

// IsZero reports whether no credentials were supplied.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Factory opens a Provider for a set of credentials.
type Factory interface {
	Open(ctx context.Context, creds Credentials) (Provider, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, creds Credentials) (Provider, error)

func (f FactoryFunc) Open(ctx context.Context, creds Credentials) (Provider, error) {
	return f(ctx, creds)
}

// Static returns a Factory that always yields p.
func Static(p Provider) Factory {
	return FactoryFunc(func(context.Context, Credentials) (Provider, error) { return p, nil })
}
