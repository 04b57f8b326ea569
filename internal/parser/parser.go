// Package parser derives child tasks and records from fetched pages using
// CSS selectors. Root pages list categories, category pages list items and
// link to their next page, and item pages yield one record each.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/dedup"
)

const (
	defaultDateLayout = "2006-01-02"
	defaultPageParam  = "page"
	// attrSeparator splits "selector@attr" field specs.
	attrSeparator = "@"
)

// Config holds the per-site selectors.
type Config struct {
	CategorySelector string
	ItemSelector     string
	NextPageSelector string
	ItemDateSelector string
	ItemDateLayout   string
	// CategoryNameSelector names a category page when its task carries no
	// category, as with pages resumed from the ledger.
	CategoryNameSelector string
	// RecordFields maps a record field name to a selector. A "selector@attr"
	// expression reads the attribute instead of the text.
	RecordFields map[string]string
	// PageParam is the query parameter carrying the category page number.
	PageParam string
	// MaxCategoryPages stops pagination once reached; 0 means unlimited.
	MaxCategoryPages int
}

// Parser implements crawler.Parser.
type Parser struct {
	cfg     Config
	refresh dedup.RefreshPolicy
	clock   crawler.Clock
	logger  *zap.Logger
}

// New constructs a Parser. refresh decides which category pages bypass dedup.
func New(cfg Config, refresh dedup.RefreshPolicy, clk crawler.Clock, logger *zap.Logger) *Parser {
	if cfg.ItemDateLayout == "" {
		cfg.ItemDateLayout = defaultDateLayout
	}
	if cfg.PageParam == "" {
		cfg.PageParam = defaultPageParam
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if refresh.Clock == nil {
		refresh.Clock = clk
	}
	return &Parser{cfg: cfg, refresh: refresh, clock: clk, logger: logger.Named("parser")}
}

// Parse dispatches on the task's page kind.
func (p *Parser) Parse(_ context.Context, task crawler.Task, resp crawler.FetchResponse) (crawler.ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.ParseResult{}, fmt.Errorf("parse html %s: %w", task.URL, err)
	}
	base, err := baseURL(task, resp)
	if err != nil {
		return crawler.ParseResult{}, err
	}

	switch task.Kind {
	case crawler.PageRoot:
		return p.parseRoot(task, doc, base), nil
	case crawler.PageCategory:
		return p.parseCategory(task, doc, base), nil
	case crawler.PageItem:
		return p.parseItem(task, doc), nil
	default:
		return crawler.ParseResult{}, fmt.Errorf("unknown page kind %q for %s", task.Kind, task.URL)
	}
}

func (p *Parser) parseRoot(task crawler.Task, doc *goquery.Document, base *url.URL) crawler.ParseResult {
	var out crawler.ParseResult
	doc.Find(p.cfg.CategorySelector).Each(func(_ int, sel *goquery.Selection) {
		link, ok := resolveHref(base, sel)
		if !ok {
			return
		}
		child := childTask(task, link, crawler.PageCategory)
		child.Meta[crawler.MetaCategory] = strings.TrimSpace(sel.Text())
		// Category entry pages are revisited on every refresh run.
		child.DontFilter = p.refresh.Enabled
		out.Children = append(out.Children, child)
	})
	return out
}

func (p *Parser) parseCategory(task crawler.Task, doc *goquery.Document, base *url.URL) crawler.ParseResult {
	var out crawler.ParseResult
	page := p.pageNumber(task, base)
	category := task.Meta[crawler.MetaCategory]
	if category == "" && p.cfg.CategoryNameSelector != "" {
		category = extract(doc.Selection, p.cfg.CategoryNameSelector)
	}

	doc.Find(p.cfg.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		link, ok := resolveHref(base, sel)
		if !ok {
			return
		}
		child := childTask(task, link, crawler.PageItem)
		child.Meta[crawler.MetaCategory] = category
		child.Meta[crawler.MetaPageNumber] = strconv.Itoa(page)
		out.Children = append(out.Children, child)
	})

	if p.cfg.MaxCategoryPages > 0 && page >= p.cfg.MaxCategoryPages {
		p.logger.Info("max category page number reached",
			zap.String("url", task.URL),
			zap.Int("page", page),
		)
		return out
	}
	if p.cfg.NextPageSelector == "" {
		return out
	}
	next, ok := resolveHref(base, doc.Find(p.cfg.NextPageSelector).First())
	if !ok {
		return out
	}
	child := childTask(task, next, crawler.PageCategory)
	child.Meta[crawler.MetaCategory] = category
	child.Meta[crawler.MetaPageNumber] = strconv.Itoa(page + 1)
	child.DontFilter = p.refresh.Fresh(p.lastItemDate(doc))
	out.Children = append(out.Children, child)
	return out
}

func (p *Parser) parseItem(task crawler.Task, doc *goquery.Document) crawler.ParseResult {
	fields := make(map[string]string, len(p.cfg.RecordFields)+2)
	found := false
	for name, expr := range p.cfg.RecordFields {
		value := extract(doc.Selection, expr)
		if value != "" {
			found = true
		}
		fields[name] = value
	}
	if !found {
		return crawler.ParseResult{}
	}
	for _, key := range []string{crawler.MetaCategory, crawler.MetaPageNumber} {
		if v, ok := task.Meta[key]; ok {
			fields[key] = v
		}
	}
	return crawler.ParseResult{Records: []crawler.Record{{
		URL:               task.URL,
		SourceFingerprint: task.Fingerprint,
		Kind:              task.Kind,
		Fields:            fields,
		ScrapedAt:         p.clock.Now(),
	}}}
}

// pageNumber prefers the number the parser stamped on the task, then the
// page query parameter, then 1.
func (p *Parser) pageNumber(task crawler.Task, base *url.URL) int {
	if n, err := strconv.Atoi(task.Meta[crawler.MetaPageNumber]); err == nil && n > 0 {
		return n
	}
	if n, err := strconv.Atoi(base.Query().Get(p.cfg.PageParam)); err == nil && n > 0 {
		return n
	}
	return 1
}

// lastItemDate parses the date of the last listed item. Listings are sorted
// newest first, so the last date is the oldest on the page.
func (p *Parser) lastItemDate(doc *goquery.Document) time.Time {
	if p.cfg.ItemDateSelector == "" {
		return time.Time{}
	}
	dates := doc.Find(p.cfg.ItemDateSelector)
	if dates.Length() == 0 {
		return time.Time{}
	}
	raw := strings.TrimSpace(dates.Last().Text())
	parsed, err := time.Parse(p.cfg.ItemDateLayout, raw)
	if err != nil {
		p.logger.Debug("unparseable item date", zap.String("value", raw), zap.Error(err))
		return time.Time{}
	}
	return parsed
}

func childTask(parent crawler.Task, link string, kind crawler.PageKind) crawler.Task {
	return crawler.Task{
		URL:               link,
		Kind:              kind,
		ParentFingerprint: parent.Fingerprint,
		ParentURL:         parent.URL,
		Priority:          kind.Priority(),
		Meta:              map[string]string{},
	}
}

func baseURL(task crawler.Task, resp crawler.FetchResponse) (*url.URL, error) {
	raw := resp.URL
	if raw == "" {
		raw = task.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	return u, nil
}

// resolveHref returns sel's href made absolute against base. Only http(s)
// links are accepted.
func resolveHref(base *url.URL, sel *goquery.Selection) (string, bool) {
	href, ok := sel.Attr("href")
	if !ok {
		href, ok = sel.Find("a[href]").First().Attr("href")
	}
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return "", false
	}
	link, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if link.Scheme != "http" && link.Scheme != "https" {
		return "", false
	}
	link.Fragment = ""
	return link.String(), true
}

func extract(root *goquery.Selection, expr string) string {
	selector, attr, hasAttr := strings.Cut(expr, attrSeparator)
	sel := root.Find(strings.TrimSpace(selector)).First()
	if hasAttr {
		v, _ := sel.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}
