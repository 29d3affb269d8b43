package download

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// PageGetter fetches a listing page body.
type PageGetter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Registrar records discovered documents. catalog.Store implements it.
type Registrar interface {
	UpsertDiscovered(ctx context.Context, filename, title, sourceURL string) (id string, created bool, err error)
}

// Link is one PDF link found on a listing page.
type Link struct {
	URL      string
	Filename string
	Title    string
}

// DiscoverConfig configures a Discoverer.
type DiscoverConfig struct {
	// ListingURLs are walked independently; page N of each is
	// <listing>?page=N, page 0 being the listing itself.
	ListingURLs []string
	// MaxPages caps the pages walked per listing. Default: 200.
	MaxPages int
	// Concurrency is the number of listings walked at once. Default: 2.
	Concurrency int
	Logger      *slog.Logger
}

func (c *DiscoverConfig) defaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 200
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DiscoverReport summarises a discovery run.
type DiscoverReport struct {
	Pages   int `json:"pages"`
	Found   int `json:"found"`
	Created int `json:"created"`
}

// Discoverer walks listing pages and registers the PDFs they link to.
type Discoverer struct {
	cfg    DiscoverConfig
	getter PageGetter
	reg    Registrar
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(cfg DiscoverConfig, getter PageGetter, reg Registrar) *Discoverer {
	cfg.defaults()
	return &Discoverer{cfg: cfg, getter: getter, reg: reg}
}

// Run walks every listing. A page that cannot be fetched ends the walk of
// its listing; only registration failures abort the run.
func (d *Discoverer) Run(ctx context.Context) (DiscoverReport, error) {
	var (
		mu    sync.Mutex
		total DiscoverReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, listing := range d.cfg.ListingURLs {
		g.Go(func() error {
			rep, err := d.walk(gctx, listing)
			mu.Lock()
			total.Pages += rep.Pages
			total.Found += rep.Found
			total.Created += rep.Created
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	d.cfg.Logger.InfoContext(ctx, "discovery done",
		"listings", len(d.cfg.ListingURLs), "pages", total.Pages,
		"found", total.Found, "created", total.Created)
	return total, err
}

func (d *Discoverer) walk(ctx context.Context, listing string) (DiscoverReport, error) {
	var rep DiscoverReport
	seen := make(map[string]bool)

	for page := 0; page < d.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		pageURL, err := PageURL(listing, page)
		if err != nil {
			return rep, err
		}
		body, err := d.getter.Get(ctx, pageURL)
		if err != nil {
			d.cfg.Logger.WarnContext(ctx, "listing page fetch failed", "url", pageURL, "error", err)
			break
		}
		rep.Pages++

		links, err := ExtractLinks(body, pageURL)
		if err != nil {
			d.cfg.Logger.WarnContext(ctx, "listing page parse failed", "url", pageURL, "error", err)
			break
		}
		fresh := 0
		for _, l := range links {
			if seen[l.Filename] {
				continue
			}
			seen[l.Filename] = true
			fresh++
			_, created, err := d.reg.UpsertDiscovered(ctx, l.Filename, l.Title, l.URL)
			if err != nil {
				return rep, fmt.Errorf("download: register %s: %w", l.Filename, err)
			}
			if created {
				rep.Created++
			}
		}
		rep.Found += fresh
		d.cfg.Logger.DebugContext(ctx, "listing page", "url", pageURL, "new", fresh)
		if fresh == 0 {
			break
		}
	}
	return rep, nil
}

// PageURL returns the URL of page n of a listing.
func PageURL(listing string, n int) (string, error) {
	if n == 0 {
		return listing, nil
	}
	u, err := url.Parse(listing)
	if err != nil {
		return "", fmt.Errorf("download: parse listing %s: %w", listing, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExtractLinks returns the distinct .pdf links of an HTML page, resolved
// against base, in document order.
func ExtractLinks(body []byte, base string) ([]Link, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("download: parse base %s: %w", base, err)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("download: parse html: %w", err)
	}

	var links []Link
	seen := make(map[string]bool)
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if l, ok := pdfLink(n, baseURL); ok && !seen[l.Filename] {
				seen[l.Filename] = true
				links = append(links, l)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return links, nil
}

func pdfLink(n *html.Node, base *url.URL) (Link, bool) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
		}
	}
	if href == "" {
		return Link{}, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return Link{}, false
	}
	abs := base.ResolveReference(ref)
	if !strings.HasSuffix(strings.ToLower(abs.Path), ".pdf") {
		return Link{}, false
	}
	filename := path.Base(abs.EscapedPath())
	if unescaped, err := url.PathUnescape(filename); err == nil {
		filename = unescaped
	}
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, "/\\") {
		return Link{}, false
	}
	title := strings.Join(strings.Fields(nodeText(n)), " ")
	if title == "" {
		title = strings.TrimSuffix(filename, path.Ext(filename))
	}
	return Link{URL: abs.String(), Filename: filename, Title: title}, true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
