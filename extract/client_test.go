package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/internal/httpclient"
	"github.com/teranos/inkest/source"
)

const validJSON = `{"entities":["Go"],"topics":["programming"],"sentiment":"positive","summary":"A post about Go."}`

// completionServer returns canned assistant contents in order, one per
// request, and records the requests it saw.
func completionServer(t *testing.T, contents ...string) (*httptest.Server, *[]chatCompletionRequest) {
	t.Helper()
	var seen []chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)

		idx := len(seen) - 1
		if idx >= len(contents) {
			idx = len(contents) - 1
		}
		fmt.Fprintf(w, `{"id":"gen-1","model":"openai/gpt-4o-mini","choices":[{"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`,
			mustJSON(contents[idx]))
	}))
	return srv, &seen
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
	}).WithHTTPClient(httpclient.WrapClient(srv.Client()))
}

func testItem(text string) source.Item {
	return source.Item{ItemID: "at://did:plc:x/app.bsky.feed.post/1", Text: text}
}

func TestExtractValidResponse(t *testing.T) {
	srv, seen := completionServer(t, validJSON)
	defer srv.Close()

	result, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Go"}, result.Entities)
	assert.Equal(t, []string{"programming"}, result.Topics)
	assert.Equal(t, "positive", result.Sentiment)
	assert.Equal(t, "A post about Go.", result.Summary)
	assert.False(t, result.Truncated)
	assert.Equal(t, "openai/gpt-4o-mini", result.ModelVersion)
	require.Len(t, *seen, 1)
	assert.Equal(t, "system", (*seen)[0].Messages[0].Role)
}

func TestExtractToleratesMarkdownFences(t *testing.T) {
	srv, _ := completionServer(t, "```json\n"+validJSON+"\n```")
	defer srv.Close()

	result, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.NoError(t, err)
	assert.Equal(t, "positive", result.Sentiment)
}

func TestExtractMalformedThenValidRepromptsOnce(t *testing.T) {
	srv, seen := completionServer(t, "Sure! Here is the extraction you asked for.", validJSON)
	defer srv.Close()

	result, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.NoError(t, err)
	assert.Equal(t, "A post about Go.", result.Summary)
	assert.True(t, result.Reprompted)

	require.Len(t, *seen, 2)
	// The re-prompt uses the stricter system message.
	assert.Contains(t, (*seen)[1].Messages[0].Content, "ONLY with the raw JSON")
}

func TestExtractInvalidSchemaThenValidRepromptsOnce(t *testing.T) {
	// Parses as JSON but fails schema validation: earns the same single
	// stricter re-prompt as unparseable output.
	badSentiment := `{"entities":[],"topics":[],"sentiment":"angry","summary":"A post."}`
	srv, seen := completionServer(t, badSentiment, validJSON)
	defer srv.Close()

	result, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.NoError(t, err)
	assert.Equal(t, "positive", result.Sentiment)
	assert.True(t, result.Reprompted)

	require.Len(t, *seen, 2)
	assert.Contains(t, (*seen)[1].Messages[0].Content, "ONLY with the raw JSON")
}

func TestExtractInvalidSchemaTwiceFails(t *testing.T) {
	badSentiment := `{"entities":[],"topics":[],"sentiment":"angry","summary":"A post."}`
	srv, seen := completionServer(t, badSentiment, badSentiment)
	defer srv.Close()

	_, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedResponse))
	assert.Len(t, *seen, 2)
}

func TestExtractMalformedTwiceFails(t *testing.T) {
	srv, seen := completionServer(t, "not json", "still not json")
	defer srv.Close()

	_, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedResponse))
	assert.Len(t, *seen, 2, "exactly one re-prompt, then give up")
}

func TestExtractQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQuotaExceeded))
}

func TestExtractServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestExtractAuthFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv).Extract(context.Background(), testItem("some post"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestExtractMissingAPIKey(t *testing.T) {
	c := NewClient(Config{})
	_, err := c.Extract(context.Background(), testItem("some post"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuth))
}

func TestExtractHeadTruncation(t *testing.T) {
	srv, seen := completionServer(t, validJSON)
	defer srv.Close()

	c := NewClient(Config{
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		MaxContentChars: 100,
	}).WithHTTPClient(httpclient.WrapClient(srv.Client()))

	long := strings.Repeat("x", 500)
	result, err := c.Extract(context.Background(), testItem(long))
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	require.Len(t, *seen, 1)
	assert.Len(t, (*seen)[0].Messages[1].Content, 100)
}

func TestExtractNormalizesMissingLists(t *testing.T) {
	srv, _ := completionServer(t, `{"entities":[],"topics":[],"sentiment":"neutral","summary":"Short."}`)
	defer srv.Close()

	result, err := testClient(srv).Extract(context.Background(), testItem("post"))
	require.NoError(t, err)
	assert.NotNil(t, result.Entities)
	assert.NotNil(t, result.Topics)
	assert.Empty(t, result.Entities)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		ok     bool
	}{
		{"valid", Result{Sentiment: "neutral", Summary: "ok"}, true},
		{"mixed sentiment", Result{Sentiment: "mixed", Summary: "ok"}, true},
		{"empty summary", Result{Sentiment: "neutral"}, false},
		{"unknown sentiment", Result{Sentiment: "ecstatic", Summary: "ok"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errors.ErrMalformedResponse))
			}
		})
	}
}

func TestHeadTruncate(t *testing.T) {
	text, truncated := headTruncate("short", 100)
	assert.Equal(t, "short", text)
	assert.False(t, truncated)

	text, truncated = headTruncate("abcdef", 3)
	assert.Equal(t, "abc", text)
	assert.True(t, truncated)

	// Rune-safe: multibyte characters are not split
	text, truncated = headTruncate("héllo wörld", 4)
	assert.True(t, truncated)
	assert.Equal(t, "héll", text)

	// The limit counts runes, not bytes: 4 runes in 8 bytes fit under
	// a limit of 4 untouched.
	text, truncated = headTruncate("éééé", 4)
	assert.False(t, truncated)
	assert.Equal(t, "éééé", text)
}
