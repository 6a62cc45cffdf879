package market

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/autostock/pkg/models"
)

// Default RSS search endpoints.
const (
	DefaultGoogleNewsURL = "https://news.google.com/rss/search"
	DefaultBingNewsURL   = "https://www.bing.com/news/search"
)

// NewsSearch names a headline search engine and how to build its RSS query URL.
// Engines with a PageQuery fall back to scraping that result page when the
// RSS response does not parse.
type NewsSearch struct {
	Name      string
	BaseURL   string
	Query     func(base, q string) string
	PageQuery func(base, q string) string
	Scrape    func(doc *goquery.Document) []models.NewsArticle
}

// GoogleNews returns the Google News RSS search engine rooted at base.
func GoogleNews(base string) NewsSearch {
	return NewsSearch{
		Name:    "Google News",
		BaseURL: base,
		Query: func(base, q string) string {
			v := url.Values{"q": {q}, "hl": {"en-US"}, "gl": {"US"}, "ceid": {"US:en"}}
			return base + "?" + v.Encode()
		},
	}
}

// BingNews returns the Bing News RSS search engine rooted at base.
func BingNews(base string) NewsSearch {
	return NewsSearch{
		Name:    "Bing News",
		BaseURL: base,
		Query: func(base, q string) string {
			v := url.Values{"q": {q}, "format": {"rss"}}
			return base + "?" + v.Encode()
		},
		PageQuery: func(base, q string) string {
			return base + "?" + url.Values{"q": {q}}.Encode()
		},
		Scrape: scrapeBingCards,
	}
}

// scrapeBingCards reads the news cards of a Bing News result page. Cards
// carry no publish time.
func scrapeBingCards(doc *goquery.Document) []models.NewsArticle {
	var out []models.NewsArticle
	doc.Find("div.news-card").Each(func(_ int, card *goquery.Selection) {
		link := card.Find("a.title").First()
		title := strings.TrimSpace(card.AttrOr("data-title", link.Text()))
		href := card.AttrOr("url", link.AttrOr("href", ""))
		if title == "" || href == "" {
			return
		}
		out = append(out, models.NewsArticle{
			Title:   title,
			URL:     unwrapLink(href),
			Source:  strings.TrimSpace(card.AttrOr("data-author", "")),
			Summary: strings.Join(strings.Fields(card.Find(".snippet").First().Text()), " "),
		})
	})
	return out
}

// News searches headline RSS feeds.
type News struct {
	engines []NewsSearch
	cache   *ttlCache[[]models.NewsArticle]
	limiter *pacer
	client  *http.Client
	parser  *gofeed.Parser
}

// NewNews creates a news source backed by Google News and Bing News.
func NewNews() *News {
	return NewNewsWithEngines(GoogleNews(DefaultGoogleNewsURL), BingNews(DefaultBingNewsURL))
}

// NewNewsWithEngines creates a news source with custom search engines.
func NewNewsWithEngines(engines ...NewsSearch) *News {
	client := NewHTTPClient()
	parser := gofeed.NewParser()
	parser.UserAgent = DefaultUserAgent
	parser.Client = client
	return &News{
		engines: engines,
		cache:   newTTLCache[[]models.NewsArticle](10 * time.Minute),
		limiter: newPacer(2),
		client:  client,
		parser:  parser,
	}
}

// Name returns the data source name.
func (n *News) Name() string { return "News Search" }

// Headlines searches every engine for query and returns up to limit distinct
// headlines, newest first. When engines report the same title the newest
// copy wins. A failing engine is skipped; the call fails only when every
// engine fails.
func (n *News) Headlines(ctx context.Context, query string, limit int) ([]models.NewsArticle, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("market: empty news query")
	}
	cacheKey := fmt.Sprintf("news:%s:%d", strings.ToLower(query), limit)
	if cached, ok := n.cache.get(cacheKey); ok {
		return cached, nil
	}

	var (
		mu       sync.Mutex
		all      []models.NewsArticle
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, eng := range n.engines {
		g.Go(func() error {
			articles, err := n.fetch(gctx, eng, query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return nil
			}
			all = append(all, articles...)
			return nil
		})
	}
	_ = g.Wait()

	if len(all) == 0 && len(failures) > 0 {
		return nil, errors.Join(failures...)
	}

	sortArticlesByDate(all)
	all = dedupeArticles(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	n.cache.put(cacheKey, all)
	return all, nil
}

// fetch parses one engine's RSS result page.
func (n *News) fetch(ctx context.Context, eng NewsSearch, query string) ([]models.NewsArticle, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	feed, err := n.parser.ParseURLWithContext(eng.Query(eng.BaseURL, query), ctx)
	if err != nil {
		if eng.PageQuery == nil || eng.Scrape == nil || ctx.Err() != nil {
			return nil, fmt.Errorf("parse RSS %s: %w", eng.Name, err)
		}
		articles, perr := n.scrape(ctx, eng, query)
		if perr != nil {
			return nil, fmt.Errorf("parse RSS %s: %w", eng.Name, errors.Join(err, perr))
		}
		return articles, nil
	}

	articles := make([]models.NewsArticle, 0, len(feed.Items))
	for _, item := range feed.Items {
		title, source := splitSource(strings.TrimSpace(item.Title))
		if s := extensionValue(item, "source"); s != "" {
			source = s
		}
		if source == "" {
			source = eng.Name
		}
		a := models.NewsArticle{
			Title:   title,
			URL:     unwrapLink(item.Link),
			Source:  source,
			Summary: cleanHTML(item.Description),
		}
		if item.PublishedParsed != nil {
			a.PublishedAt = *item.PublishedParsed
		}
		if a.Title != "" {
			articles = append(articles, a)
		}
	}
	return articles, nil
}

// scrape fetches the engine's HTML result page and reads its cards.
func (n *News) scrape(ctx context.Context, eng NewsSearch, query string) ([]models.NewsArticle, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := fetch(ctx, n.client, eng.PageQuery(eng.BaseURL, query), "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}
	articles := eng.Scrape(doc)
	for i := range articles {
		if articles[i].Source == "" {
			articles[i].Source = eng.Name
		}
	}
	if len(articles) == 0 {
		return nil, fmt.Errorf("%w: no headlines on result page", ErrNoData)
	}
	return articles, nil
}

// --- Internal helpers ---

// cleanHTML strips HTML tags from a string using goquery.
func cleanHTML(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// splitSource separates Google's "Headline - Publisher" titles.
func splitSource(title string) (string, string) {
	i := strings.LastIndex(title, " - ")
	if i <= 0 || i+3 >= len(title) {
		return title, ""
	}
	return strings.TrimSpace(title[:i]), strings.TrimSpace(title[i+3:])
}

// extensionValue finds a namespaced element such as Bing's <News:Source>.
func extensionValue(item *gofeed.Item, name string) string {
	for _, ns := range item.Extensions {
		for key, exts := range ns {
			if strings.EqualFold(key, name) && len(exts) > 0 {
				return strings.TrimSpace(exts[0].Value)
			}
		}
	}
	return ""
}

// unwrapLink returns the target of a Bing click-tracking link.
func unwrapLink(link string) string {
	u, err := url.Parse(link)
	if err != nil || !strings.Contains(u.Host, "bing.com") {
		return link
	}
	if target := u.Query().Get("url"); target != "" {
		return target
	}
	return link
}

func dedupeArticles(in []models.NewsArticle) []models.NewsArticle {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, a := range in {
		key := strings.ToLower(strings.Join(strings.Fields(a.Title), " "))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

func sortArticlesByDate(articles []models.NewsArticle) {
	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].PublishedAt.After(articles[j].PublishedAt)
	})
}
