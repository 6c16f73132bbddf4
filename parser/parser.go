package parser

import (
	"fmt"
	"strings"

	"inspire-scraper/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// MalformedPageError is returned when the entry page lacks view-state inputs
type MalformedPageError struct {
	Missing []string
}

func (e *MalformedPageError) Error() string {
	return fmt.Sprintf("entry page is missing hidden inputs: %s", strings.Join(e.Missing, ", "))
}

// minContactCells is the number of grid cells a data row must have
const minContactCells = 6

var (
	rowMatcher  = cascadia.MustCompile("tr")
	cellMatcher = cascadia.MustCompile("td")
)

// ParseInitialPage extracts the view-state tokens from a full HTML document
func ParseInitialPage(htmlContent string) (models.TokenSet, error) {
	doc, err := htmlquery.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return models.TokenSet{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	tokens := models.TokenSet{
		ViewState:          hiddenValue(doc, models.FieldViewState),
		EventValidation:    hiddenValue(doc, models.FieldEventValidation),
		ViewStateGenerator: hiddenValue(doc, models.FieldViewStateGenerator),
	}
	if missing := tokens.Missing(); len(missing) > 0 {
		return models.TokenSet{}, &MalformedPageError{Missing: missing}
	}
	return tokens, nil
}

func hiddenValue(doc *html.Node, name string) string {
	node := htmlquery.FindOne(doc, fmt.Sprintf("//input[@name='%s']", name))
	if node == nil {
		return ""
	}
	return htmlquery.SelectAttr(node, "value")
}

// ExtractOptions returns the selectable options of the dropdown with the given id.
// Placeholder entries (value "" or "0") and blank labels are skipped.
func ExtractOptions(markup, selectID string) (models.OptionMap, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	options := models.OptionMap{}
	doc.Find(fmt.Sprintf("select[id='%s'] option", selectID)).Each(func(i int, s *goquery.Selection) {
		value, _ := s.Attr("value")
		value = strings.TrimSpace(value)
		label := strings.TrimSpace(s.Text())
		if value == "" || value == "0" || label == "" {
			return
		}
		options[value] = label
	})

	return options, nil
}

// ExtractContacts reads the results grid with the given id. The first row is
// the header; rows with fewer than six cells or with no name, mobile and email
// are dropped. A missing grid yields no records and no error.
func ExtractContacts(markup, tableID, region, subregion string) ([]models.ContactRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	table := doc.Find(fmt.Sprintf("table[id='%s']", tableID)).First()
	if table.Length() == 0 {
		return nil, nil
	}

	// nested tables (pager rows) keep their own rows
	rows := table.FindMatcher(rowMatcher).FilterFunction(func(i int, s *goquery.Selection) bool {
		return s.Closest("table").IsSelection(table)
	})

	var contacts []models.ContactRecord
	rows.Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}

		var cols []string
		row.ChildrenMatcher(cellMatcher).Each(func(_ int, cell *goquery.Selection) {
			cols = append(cols, strings.TrimSpace(cell.Text()))
		})
		if len(cols) < minContactCells {
			return
		}

		contact := models.ContactRecord{
			Region:            region,
			Subregion:         subregion,
			Entity:            cols[1],
			ContactName:       cols[2],
			Mobile:            cols[3],
			Email:             cols[4],
			ApplicationNumber: cols[5],
		}
		if contact.IsBlank() {
			return
		}
		contacts = append(contacts, contact)
	})

	return contacts, nil
}
