package storage

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/provider"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		key  string
		kind provider.Kind
		ok   bool
	}{
		{"plans/forecast.csv", provider.KindTabular, true},
		{"plans/workbook.JSON", provider.KindTabular, true},
		{"docs/handbook.pdf", provider.KindText, true},
		{"docs/readme.md", provider.KindText, true},
		{"img/logo.png", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			kind, ok := kindOf(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.True(t, errs.IsNotFound(classify("op", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound})))
	assert.True(t, errs.IsTransient(classify("op", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError})))
	assert.True(t, errs.IsTransient(classify("op", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable})))
	assert.True(t, errs.IsValidation(classify("op", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden})))
	assert.True(t, errs.IsTransient(classify("op", io.ErrUnexpectedEOF)))
	assert.Equal(t, errs.KindInternal, errs.KindOf(classify("op", errors.New("boom"))))
}
