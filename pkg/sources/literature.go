package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/veska-bio/loom/internal/util"
)

const (
	literatureSourceName     = "literature"
	defaultLiteratureBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// Public E-utilities allow 3 requests per second without an API key.
	defaultLiteratureMinInterval = 350 * time.Millisecond

	searchTimeout   = 10 * time.Second
	detailTimeout   = 30 * time.Second
	detailBatchSize = 50
)

// Document is one literature record with the structured metadata the curator
// classifies and scores.
type Document struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Abstract string   `json:"abstract,omitempty"`
	Authors  []string `json:"authors,omitempty"`
	Venue    string   `json:"venue,omitempty"`
	Year     int      `json:"year,omitempty"`
	TypeTags []string `json:"typeTags,omitempty"`
	URL      string   `json:"url,omitempty"`
}

// LiteratureSource is the document retrieval surface consumed by the curator.
type LiteratureSource interface {
	// Search returns document ids for the query, newest-relevant first. An
	// empty result is a normal outcome, not an error.
	Search(ctx context.Context, query string, maxResults int, recencyYears int) ([]string, error)
	// FetchDetails expands ids into full records. Ids the service does not
	// know are silently absent from the result.
	FetchDetails(ctx context.Context, ids []string) ([]Document, error)
}

// LiteratureClient implements LiteratureSource against the NCBI E-utilities
// endpoints for PubMed: esearch for id retrieval, efetch for record details.
type LiteratureClient struct {
	client      *Client
	baseURL     string
	apiKey      string
	minInterval time.Duration
}

// NewLiteratureClientParams configures a LiteratureClient. Client is
// required; everything else has defaults. APIKey raises the upstream rate
// allowance and is passed through when set.
type NewLiteratureClientParams struct {
	Client      *Client
	BaseURL     string
	APIKey      string
	MinInterval time.Duration
}

// NewLiteratureClient creates a PubMed-backed literature source.
func NewLiteratureClient(params NewLiteratureClientParams) *LiteratureClient {
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = defaultLiteratureBaseURL
	}
	minInterval := params.MinInterval
	if minInterval <= 0 {
		minInterval = defaultLiteratureMinInterval
	}
	return &LiteratureClient{
		client:      params.Client,
		baseURL:     baseURL,
		apiKey:      params.APIKey,
		minInterval: minInterval,
	}
}

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// Search runs an esearch query. recencyYears > 0 restricts results to
// publication dates within that window.
func (c *LiteratureClient) Search(ctx context.Context, query string, maxResults int, recencyYears int) ([]string, error) {
	values := url.Values{}
	values.Set("db", "pubmed")
	values.Set("term", query)
	values.Set("retmode", "json")
	values.Set("retmax", strconv.Itoa(maxResults))
	values.Set("sort", "relevance")
	if recencyYears > 0 {
		values.Set("datetype", "pdat")
		values.Set("reldate", strconv.Itoa(recencyYears*365))
	}
	if c.apiKey != "" {
		values.Set("api_key", c.apiKey)
	}

	var decoded esearchResponse
	err := c.client.getJSON(ctx, literatureSourceName, c.minInterval, searchTimeout,
		buildURL(c.baseURL, "/esearch.fcgi", values), &decoded)
	if err != nil {
		return nil, err
	}

	return decoded.Result.IDList, nil
}

type pubmedAuthor struct {
	LastName       string `xml:"LastName"`
	Initials       string `xml:"Initials"`
	CollectiveName string `xml:"CollectiveName"`
}

type pubmedArticle struct {
	PMID             string         `xml:"MedlineCitation>PMID"`
	Title            string         `xml:"MedlineCitation>Article>ArticleTitle"`
	AbstractTexts    []string       `xml:"MedlineCitation>Article>Abstract>AbstractText"`
	Journal          string         `xml:"MedlineCitation>Article>Journal>Title"`
	Year             string         `xml:"MedlineCitation>Article>Journal>JournalIssue>PubDate>Year"`
	MedlineDate      string         `xml:"MedlineCitation>Article>Journal>JournalIssue>PubDate>MedlineDate"`
	PublicationTypes []string       `xml:"MedlineCitation>Article>PublicationTypeList>PublicationType"`
	Authors          []pubmedAuthor `xml:"MedlineCitation>Article>AuthorList>Author"`
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

// FetchDetails expands ids via efetch in batches. Records come back in
// upstream order; unknown ids are dropped by the service.
func (c *LiteratureClient) FetchDetails(ctx context.Context, ids []string) ([]Document, error) {
	docs := make([]Document, 0, len(ids))

	for start := 0; start < len(ids); start += detailBatchSize {
		end := min(start+detailBatchSize, len(ids))
		batch := ids[start:end]

		values := url.Values{}
		values.Set("db", "pubmed")
		values.Set("id", strings.Join(batch, ","))
		values.Set("retmode", "xml")
		if c.apiKey != "" {
			values.Set("api_key", c.apiKey)
		}

		var decoded pubmedArticleSet
		err := c.client.getXML(ctx, literatureSourceName, c.minInterval, detailTimeout,
			buildURL(c.baseURL, "/efetch.fcgi", values), &decoded)
		if err != nil {
			return nil, fmt.Errorf("fetch details for %d ids: %w", len(batch), err)
		}

		for _, article := range decoded.Articles {
			docs = append(docs, documentFromArticle(article))
		}
	}

	return docs, nil
}

func documentFromArticle(article pubmedArticle) Document {
	// Upstream XML occasionally carries stray control bytes; scrub them
	// before the text reaches prompts or checkpoint payloads.
	doc := Document{
		ID:       article.PMID,
		Title:    util.SanitizePostgresText(article.Title),
		Abstract: util.SanitizePostgresText(strings.TrimSpace(strings.Join(article.AbstractTexts, " "))),
		Venue:    article.Journal,
		TypeTags: article.PublicationTypes,
		URL:      "https://pubmed.ncbi.nlm.nih.gov/" + article.PMID + "/",
	}

	for _, author := range article.Authors {
		switch {
		case author.CollectiveName != "":
			doc.Authors = append(doc.Authors, author.CollectiveName)
		case author.LastName != "":
			name := author.LastName
			if author.Initials != "" {
				name += " " + author.Initials
			}
			doc.Authors = append(doc.Authors, name)
		}
	}

	if year, err := strconv.Atoi(article.Year); err == nil {
		doc.Year = year
	} else if len(article.MedlineDate) >= 4 {
		// MedlineDate holds ranges like "2019 Nov-Dec"; the year leads.
		if year, err := strconv.Atoi(article.MedlineDate[:4]); err == nil {
			doc.Year = year
		}
	}

	return doc
}
