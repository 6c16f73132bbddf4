package parser

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"inspire-scraper/models"
)

// Record types that carry meaning for the scraper
const (
	RecordHiddenField  = "hiddenField"
	RecordUpdatePanel  = "updatePanel"
	RecordError        = "error"
	RecordPageRedirect = "pageRedirect"
)

// Record is one entry of a partial-postback response
type Record struct {
	Type    string
	ID      string
	Content string
}

// SyntaxError reports where a delta body stopped following the grammar
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed delta at byte %d: %s", e.Offset, e.Reason)
}

// TokenizeDelta splits a partial-postback body into records.
//
// The body is a sequence of `length|type|id|content|` entries where length is
// the size of content in UTF-16 code units. Content is consumed by length, so a
// '|' inside a value never ends it. On malformed input the records decoded so
// far are returned together with a *SyntaxError.
func TokenizeDelta(body string) ([]Record, error) {
	var records []Record
	pos := 0

	for {
		if strings.TrimSpace(body[pos:]) == "" {
			return records, nil
		}

		start := pos
		length, next, err := readLength(body, pos)
		if err != nil {
			return records, err
		}
		pos = next

		typ, next, err := readField(body, pos, "type")
		if err != nil {
			return records, err
		}
		pos = next

		id, next, err := readField(body, pos, "id")
		if err != nil {
			return records, err
		}
		pos = next

		end, ok := advanceUnits(body, pos, length)
		if !ok {
			return records, &SyntaxError{Offset: start, Reason: fmt.Sprintf("%s record %q declares %d units but the body ends early", typ, id, length)}
		}
		if end >= len(body) || body[end] != '|' {
			return records, &SyntaxError{Offset: end, Reason: fmt.Sprintf("%s record %q is not terminated by '|'", typ, id)}
		}

		records = append(records, Record{Type: typ, ID: id, Content: body[pos:end]})
		pos = end + 1
	}
}

func readLength(body string, pos int) (int, int, error) {
	n := 0
	i := pos
	overflow := false
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		// a UTF-16 unit never takes less than one byte
		if !overflow {
			n = n*10 + int(body[i]-'0')
			overflow = n > len(body)
		}
		i++
	}
	if i == pos {
		return 0, pos, &SyntaxError{Offset: pos, Reason: "expected record length"}
	}
	if i >= len(body) || body[i] != '|' {
		return 0, i, &SyntaxError{Offset: i, Reason: "expected '|' after record length"}
	}
	if overflow {
		return 0, i, &SyntaxError{Offset: pos, Reason: "length exceeds body size"}
	}
	return n, i + 1, nil
}

func readField(body string, pos int, name string) (string, int, error) {
	idx := strings.IndexByte(body[pos:], '|')
	if idx < 0 {
		return "", pos, &SyntaxError{Offset: pos, Reason: "unterminated record " + name}
	}
	return body[pos : pos+idx], pos + idx + 1, nil
}

// advanceUnits returns the byte offset reached after n UTF-16 code units
func advanceUnits(s string, pos, n int) (int, bool) {
	units := 0
	i := pos
	for units < n {
		if i >= len(s) {
			return i, false
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		width := utf16.RuneLen(r)
		if width < 0 {
			width = 1
		}
		units += width
		i += size
	}
	return i, units == n
}

// Delta is a decoded partial-postback response
type Delta struct {
	Tokens      models.TokenSet
	Records     []Record
	ServerError string
	Redirect    string

	raw string
}

// ParseDelta decodes a partial-postback body. Each token is located on its
// own; an absent hiddenField leaves that token empty. A grammar violation
// returns the partially decoded Delta and a *SyntaxError.
func ParseDelta(body string) (*Delta, error) {
	records, err := TokenizeDelta(body)

	d := &Delta{Records: records, raw: body}
	for _, r := range records {
		switch r.Type {
		case RecordHiddenField:
			switch r.ID {
			case models.FieldViewState:
				d.Tokens.ViewState = r.Content
			case models.FieldEventValidation:
				d.Tokens.EventValidation = r.Content
			case models.FieldViewStateGenerator:
				d.Tokens.ViewStateGenerator = r.Content
			}
		case RecordError:
			d.ServerError = strings.TrimSpace(r.ID + " " + r.Content)
		case RecordPageRedirect:
			d.Redirect = r.Content
		}
	}

	return d, err
}

// Markup returns the HTML carried by the updatePanel records, or the raw body
// when the response holds none
func (d *Delta) Markup() string {
	var sb strings.Builder
	for _, r := range d.Records {
		if r.Type == RecordUpdatePanel {
			sb.WriteString(r.Content)
		}
	}
	if sb.Len() == 0 {
		return d.raw
	}
	return sb.String()
}
