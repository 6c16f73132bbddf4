package parser

import (
	"fmt"
	"testing"
	"unicode/utf16"

	"inspire-scraper/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// record encodes one delta entry the way the server does
func record(typ, id, content string) string {
	return fmt.Sprintf("%d|%s|%s|%s|", len(utf16.Encode([]rune(content))), typ, id, content)
}

func TestTokenizeDelta(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected []Record
	}{
		{
			name:     "empty body",
			body:     "",
			expected: nil,
		},
		{
			name: "single hidden field",
			body: record("hiddenField", "__VIEWSTATE", "abc"),
			expected: []Record{
				{Type: "hiddenField", ID: "__VIEWSTATE", Content: "abc"},
			},
		},
		{
			name: "pipe inside content",
			body: record("updatePanel", "panel", "<b>a|b</b>") + record("hiddenField", "__VIEWSTATE", "x"),
			expected: []Record{
				{Type: "updatePanel", ID: "panel", Content: "<b>a|b</b>"},
				{Type: "hiddenField", ID: "__VIEWSTATE", Content: "x"},
			},
		},
		{
			name: "multi-byte content counted in utf-16 units",
			body: record("updatePanel", "panel", "तमिल 😀|") + record("hiddenField", "__EVENTVALIDATION", "ev"),
			expected: []Record{
				{Type: "updatePanel", ID: "panel", Content: "तमिल 😀|"},
				{Type: "hiddenField", ID: "__EVENTVALIDATION", Content: "ev"},
			},
		},
		{
			name: "zero length content",
			body: record("hiddenField", "__EVENTTARGET", ""),
			expected: []Record{
				{Type: "hiddenField", ID: "__EVENTTARGET", Content: ""},
			},
		},
		{
			name: "trailing newline",
			body: record("hiddenField", "__VIEWSTATE", "v") + "\r\n",
			expected: []Record{
				{Type: "hiddenField", ID: "__VIEWSTATE", Content: "v"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TokenizeDelta(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTokenizeDeltaMalformed(t *testing.T) {
	good := record("hiddenField", "__VIEWSTATE", "abc")

	tests := []struct {
		name     string
		body     string
		decoded  int
		contains string
	}{
		{"no length", "hiddenField|__VIEWSTATE|abc|", 0, "expected record length"},
		{"length without separator", "3", 0, "expected '|' after record length"},
		{"long length without separator", "12345", 0, "expected '|' after record length"},
		{"length cut after valid record", good + "7", 1, "expected '|' after record length"},
		{"unterminated type", "3|hiddenField", 0, "unterminated record type"},
		{"unterminated id", "3|hiddenField|__VIEWSTATE", 0, "unterminated record id"},
		{"truncated content", good + "10|hiddenField|__EVENTVALIDATION|abc", 1, "ends early"},
		{"length too short", "2|hiddenField|__VIEWSTATE|abc|", 0, "not terminated"},
		{"absurd length", "999999999|hiddenField|x|y|", 0, "exceeds body size"},
		{"absurd length with many digits", "99999999999999999999999|hiddenField|x|y|", 0, "exceeds body size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TokenizeDelta(tt.body)
			require.Error(t, err)

			var syntaxErr *SyntaxError
			require.ErrorAs(t, err, &syntaxErr)
			assert.Contains(t, syntaxErr.Reason, tt.contains)
			assert.Len(t, got, tt.decoded)
		})
	}
}

func TestParseDeltaTokens(t *testing.T) {
	// values keep their exact whitespace and embedded separators
	viewState := " /wEPDwUK|MTY5 \n"
	eventValidation := "/wEdAAN+ab=="
	generator := "CA0B0334"

	body := record("updatePanel", "ctl00_ContentPlaceHolder1_UpdatePanel1", "<div>panel</div>") +
		record("hiddenField", "__EVENTTARGET", "") +
		record("hiddenField", "__VIEWSTATE", viewState) +
		record("hiddenField", "__VIEWSTATEGENERATOR", generator) +
		record("hiddenField", "__EVENTVALIDATION", eventValidation) +
		record("asyncPostBackControlIDs", "", "")

	delta, err := ParseDelta(body)
	require.NoError(t, err)

	assert.Equal(t, models.TokenSet{
		ViewState:          viewState,
		EventValidation:    eventValidation,
		ViewStateGenerator: generator,
	}, delta.Tokens)
	assert.True(t, delta.Tokens.Complete())
	assert.Equal(t, "<div>panel</div>", delta.Markup())
	assert.Empty(t, delta.ServerError)
	assert.Empty(t, delta.Redirect)
}

func TestParseDeltaMissingToken(t *testing.T) {
	body := record("hiddenField", "__VIEWSTATE", "vs") +
		record("hiddenField", "__VIEWSTATEGENERATOR", "gen")

	delta, err := ParseDelta(body)
	require.NoError(t, err)

	assert.Equal(t, "vs", delta.Tokens.ViewState)
	assert.Empty(t, delta.Tokens.EventValidation)
	assert.Equal(t, []string{models.FieldEventValidation}, delta.Tokens.Missing())
}

func TestParseDeltaErrorAndRedirect(t *testing.T) {
	body := record("error", "500", "Invalid postback or callback argument") +
		record("pageRedirect", "", "/Error.aspx")

	delta, err := ParseDelta(body)
	require.NoError(t, err)

	assert.Equal(t, "500 Invalid postback or callback argument", delta.ServerError)
	assert.Equal(t, "/Error.aspx", delta.Redirect)
}

func TestParseDeltaPartialOnSyntaxError(t *testing.T) {
	body := record("hiddenField", "__VIEWSTATE", "vs") + "garbage"

	delta, err := ParseDelta(body)
	require.Error(t, err)
	require.NotNil(t, delta)
	assert.Equal(t, "vs", delta.Tokens.ViewState)
	assert.Len(t, delta.Records, 1)
}

func TestDeltaMarkupFallsBackToBody(t *testing.T) {
	body := `<html><select id="x"><option value="1">One</option></select></html>`

	delta, _ := ParseDelta(body)
	assert.Equal(t, body, delta.Markup())
}
