package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	calls [][]string
	fail  int
}

func (c *recordingClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, append([]string(nil), texts...))
	if c.fail > 0 {
		c.fail--
		return nil, errs.Transient("embed", errors.New("rate limited"))
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len([]rune(t)))}
	}
	return out, nil
}

func newTestBatcher(c Client, batch, maxChars int) *Batcher {
	b := NewBatcher(c, config.EmbeddingConfig{BatchSize: batch, MaxChars: maxChars})
	b.policy = resilience.Policy{Timeout: time.Second, MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return b
}

func TestBatcher_FiltersTruncatesAndBatches(t *testing.T) {
	rc := &recordingClient{}
	b := newTestBatcher(rc, 2, 5)

	out, err := b.Embed(context.Background(), []string{"alpha", "  ", "betagamma", "", "d", "e"})
	require.NoError(t, err)
	require.Len(t, out, 6)

	assert.Nil(t, out[1])
	assert.Nil(t, out[3])
	assert.Equal(t, []float32{5}, out[2])
	assert.Equal(t, []float32{1}, out[5])

	require.Len(t, rc.calls, 2)
	assert.Equal(t, []string{"alpha", "betag"}, rc.calls[0])
	assert.Equal(t, []string{"d", "e"}, rc.calls[1])
}

func TestBatcher_AllBlankMakesNoCall(t *testing.T) {
	rc := &recordingClient{}
	out, err := newTestBatcher(rc, 4, 10).Embed(context.Background(), []string{"", " \n"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Empty(t, rc.calls)
}

func TestBatcher_RetriesTransient(t *testing.T) {
	rc := &recordingClient{fail: 1}
	out, err := newTestBatcher(rc, 4, 10).Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, out[0])
	assert.Len(t, rc.calls, 2)
}

func TestClient_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{2}},
				{"index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Model: "m", APIKey: "k"})
	require.NoError(t, err)
	out, err := c.CreateEmbeddings(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, out)
}

func TestClient_StatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c, err := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.CreateEmbeddings(context.Background(), []string{"a"})
	assert.True(t, errs.IsTransient(err))

	status = http.StatusBadRequest
	_, err = c.CreateEmbeddings(context.Background(), []string{"a"})
	assert.True(t, errs.IsValidation(err))
}

func TestNewClient_NotConfigured(t *testing.T) {
	_, err := NewClient(config.EmbeddingConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTruncateIsRuneSafe(t *testing.T) {
	assert.Equal(t, "数据", truncate("数据平台", 2))
	assert.Equal(t, "ok", sanitize(" ok "+strings.Repeat(" ", 3)))
}
