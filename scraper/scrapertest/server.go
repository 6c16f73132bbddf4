// Package scrapertest provides an in-process imitation of the contact details
// form for tests. It speaks the partial-postback protocol and checks that every
// postback carries tokens it issued together with the full selection chain.
package scrapertest

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf16"

	"inspire-scraper/config"
	"inspire-scraper/models"
)

const sessionCookie = "ASP.NET_SessionId"

// Leaf is one selectable entity and the grid rows its submit returns.
// Each row is School, Name, Mobile, Email, Application number.
type Leaf struct {
	Name string
	Rows [][5]string
}

// Subregion groups leaves
type Subregion struct {
	Name   string
	Leaves map[string]Leaf
}

// Region groups subregions
type Region struct {
	Name       string
	Subregions map[string]Subregion
}

// Site is the data served by the fake form and the faults it injects
type Site struct {
	Regions map[string]Region

	// FailStatus makes every submit of the leaf id answer with that HTTP status
	FailStatus map[string]int
	// OmitTokenOnce drops __EVENTVALIDATION from the first answer selecting the id
	OmitTokenOnce map[string]bool
	// OmitTokenAlways drops __EVENTVALIDATION from every answer selecting the id
	OmitTokenAlways map[string]bool
	// ServerError answers selections of the id with an error record
	ServerError map[string]string
}

// Server is a running fake form
type Server struct {
	*httptest.Server

	site Site
	form config.FormConfig

	hits    atomic.Int64
	mu      sync.Mutex
	current map[string]string
	issued  []models.TokenSet
	omitted map[string]bool
	seq     int
	posts   []url.Values
}

// NewServer starts a fake form on a local port
func NewServer(site Site) *Server {
	s := &Server{
		site:    site,
		form:    config.DefaultForm(),
		current: map[string]string{},
		omitted: map[string]bool{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Hits returns the number of requests served
func (s *Server) Hits() int {
	return int(s.hits.Load())
}

// Posts returns a copy of every postback form received
func (s *Server) Posts() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.posts))
	copy(out, s.posts)
	return out
}

// Issued returns the token sets sent to clients, in response order. An
// omitted token appears as an empty field.
func (s *Server) Issued() []models.TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TokenSet(nil), s.issued...)
}

// Config returns a configuration pointed at the server with retries and delays kept short
func (s *Server) Config() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Target.URL = s.URL + "/UserP/Contact-detailsAtPublicDomain.aspx"
	cfg.HTTP.MaxRetries = 2
	cfg.HTTP.BackoffFactor = 0
	cfg.HTTP.Delay = 0
	cfg.Log.File = ""
	cfg.Log.Console = false
	return cfg
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)

	if r.Method == http.MethodGet {
		id := fmt.Sprintf("S%d", s.hits.Load())
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/"})
		tokens := s.issue(id, true)
		fmt.Fprint(w, s.entryPage(tokens))
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.posts = append(s.posts, r.PostForm)
	s.mu.Unlock()

	cookie, err := r.Cookie(sessionCookie)
	if err != nil || !s.valid(cookie.Value, r.PostForm) || r.PostForm.Get("__ASYNCPOST") != "true" {
		// stale or foreign state is answered with an empty body
		return
	}
	session := cookie.Value
	f := r.PostForm

	if f.Get(s.form.ModeField) != s.form.ModeValue {
		fmt.Fprint(w, errorDelta("mode not selected"))
		return
	}

	regionID := f.Get(s.form.RegionField)
	subregionID := f.Get(s.form.SubregionField)
	leafID := f.Get(s.form.LeafField)

	var selected, markup string
	switch f.Get("__EVENTTARGET") {
	case s.form.ModeTarget:
		markup = s.dropdown(s.form.RegionSelectID, s.regionOptions())

	case s.form.RegionField:
		region, ok := s.site.Regions[regionID]
		if !ok {
			fmt.Fprint(w, errorDelta("unknown region"))
			return
		}
		selected = regionID
		markup = s.dropdown(s.form.SubregionListID, subregionOptions(region))

	case s.form.SubregionField:
		sub, ok := s.site.Regions[regionID].Subregions[subregionID]
		if !ok {
			fmt.Fprint(w, errorDelta("unknown subregion"))
			return
		}
		selected = subregionID
		markup = s.dropdown(s.form.LeafSelectID, leafOptions(sub))

	case s.form.SubmitTarget:
		leaf, ok := s.site.Regions[regionID].Subregions[subregionID].Leaves[leafID]
		if !ok {
			fmt.Fprint(w, errorDelta("unknown leaf"))
			return
		}
		if status := s.site.FailStatus[leafID]; status != 0 {
			w.WriteHeader(status)
			return
		}
		selected = leafID
		markup = s.grid(leaf)

	default:
		fmt.Fprint(w, errorDelta("unknown event target"))
		return
	}

	if msg, ok := s.site.ServerError[selected]; ok {
		fmt.Fprint(w, errorDelta(msg))
		return
	}

	tokens := s.issue(session, !s.omit(selected))
	fmt.Fprint(w, delta(markup, tokens))
}

func (s *Server) omit(id string) bool {
	if id == "" {
		return false
	}
	if s.site.OmitTokenAlways[id] {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.site.OmitTokenOnce[id] && !s.omitted[id] {
		s.omitted[id] = true
		return true
	}
	return false
}

// issue creates a fresh token set for the session. A complete set replaces
// the one the session must echo next; an incomplete one lacks
// __EVENTVALIDATION and leaves the expected set unchanged, as a client must
// keep its previous tokens when it gets one.
func (s *Server) issue(session string, complete bool) models.TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	tokens := models.TokenSet{
		ViewState:          fmt.Sprintf("/wEPDwUK|%d|%s==", s.seq, session),
		EventValidation:    fmt.Sprintf("/wEdA %d %s", s.seq, session),
		ViewStateGenerator: "CA0B0334",
	}
	if complete {
		s.current[session] = tokenKey(tokens.ViewState, tokens.EventValidation, tokens.ViewStateGenerator)
	} else {
		tokens.EventValidation = ""
	}
	s.issued = append(s.issued, tokens)
	return tokens
}

// valid accepts only the last complete token set issued to the session
func (s *Server) valid(session string, f url.Values) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.current[session]
	return ok && want == tokenKey(
		f.Get(models.FieldViewState),
		f.Get(models.FieldEventValidation),
		f.Get(models.FieldViewStateGenerator),
	)
}

func tokenKey(viewState, eventValidation, generator string) string {
	return viewState + "\x00" + eventValidation + "\x00" + generator
}

func (s *Server) entryPage(tokens models.TokenSet) string {
	var sb strings.Builder
	sb.WriteString("<html><body><form method=\"post\" id=\"aspnetForm\">\n")
	for _, field := range [][2]string{
		{models.FieldViewState, tokens.ViewState},
		{models.FieldViewStateGenerator, tokens.ViewStateGenerator},
		{models.FieldEventValidation, tokens.EventValidation},
	} {
		fmt.Fprintf(&sb, "<input type=\"hidden\" name=\"%s\" id=\"%s\" value=\"%s\" />\n",
			field[0], field[0], html.EscapeString(field[1]))
	}
	sb.WriteString("</form></body></html>")
	return sb.String()
}

func (s *Server) regionOptions() [][2]string {
	var opts [][2]string
	for id, r := range s.site.Regions {
		opts = append(opts, [2]string{id, r.Name})
	}
	return opts
}

func subregionOptions(r Region) [][2]string {
	var opts [][2]string
	for id, sub := range r.Subregions {
		opts = append(opts, [2]string{id, sub.Name})
	}
	return opts
}

func leafOptions(sub Subregion) [][2]string {
	var opts [][2]string
	for id, leaf := range sub.Leaves {
		opts = append(opts, [2]string{id, leaf.Name})
	}
	return opts
}

func (s *Server) dropdown(id string, options [][2]string) string {
	sort.Slice(options, func(i, j int) bool { return options[i][0] < options[j][0] })

	var sb strings.Builder
	fmt.Fprintf(&sb, "<select name=\"%s\" id=\"%s\">", strings.ReplaceAll(id, "_", "$"), id)
	sb.WriteString("<option value=\"0\">--Select--</option>")
	for _, o := range options {
		fmt.Fprintf(&sb, "<option value=\"%s\">%s</option>", html.EscapeString(o[0]), html.EscapeString(o[1]))
	}
	sb.WriteString("</select>")
	return sb.String()
}

func (s *Server) grid(leaf Leaf) string {
	if len(leaf.Rows) == 0 {
		return "<span>No Record Found</span>"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<table id=\"%s\">", s.form.ResultsTableID)
	sb.WriteString("<tr><th>S.No.</th><th>School</th><th>Name</th><th>Mobile</th><th>Email</th><th>Application No.</th></tr>")
	for i, row := range leaf.Rows {
		fmt.Fprintf(&sb, "<tr><td>%d</td>", i+1)
		for _, cell := range row {
			fmt.Fprintf(&sb, "<td>%s</td>", html.EscapeString(cell))
		}
		sb.WriteString("</tr>")
	}
	sb.WriteString("</table>")
	return sb.String()
}

// Record encodes one partial-postback entry
func Record(typ, id, content string) string {
	return fmt.Sprintf("%d|%s|%s|%s|", len(utf16.Encode([]rune(content))), typ, id, content)
}

func delta(markup string, tokens models.TokenSet) string {
	var sb strings.Builder
	sb.WriteString(Record("updatePanel", "ctl00_ContentPlaceHolder1_UpdatePanel1", markup))
	sb.WriteString(Record("hiddenField", "__EVENTTARGET", ""))
	sb.WriteString(Record("hiddenField", "__EVENTARGUMENT", ""))
	if tokens.ViewState != "" {
		sb.WriteString(Record("hiddenField", models.FieldViewState, tokens.ViewState))
	}
	if tokens.ViewStateGenerator != "" {
		sb.WriteString(Record("hiddenField", models.FieldViewStateGenerator, tokens.ViewStateGenerator))
	}
	if tokens.EventValidation != "" {
		sb.WriteString(Record("hiddenField", models.FieldEventValidation, tokens.EventValidation))
	}
	sb.WriteString(Record("asyncPostBackControlIDs", "", ""))
	return sb.String()
}

func errorDelta(msg string) string {
	return Record("error", "500", msg)
}
