// Package archivefetcher implements the Archive Fetcher (spec §4.1): given
// a company identifier and a set of filing types, resolve the company's
// archive key, list its filings, and download the matching documents,
// honoring the archive's fair-access rate floor. Grounded on the teacher's
// internal/nexa/client.go doRequest pattern (context-aware http wrapper),
// generalized here with a token-bucket limiter from golang.org/x/time/rate
// (the library the goadesign-goa-ai example reaches for the same concern)
// layered under go-retryablehttp.
package archivefetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/threeequarter/filings-rag/internal/config"
	"github.com/threeequarter/filings-rag/internal/domain"
	"github.com/threeequarter/filings-rag/internal/logging"
)

// Fetcher is the Archive Fetcher. One instance should be shared by every
// caller in a process, since the rate limiter is process-local (§9 notes
// this is a known limitation when more than one worker process runs on a
// host).
type Fetcher struct {
	cfg     config.ArchiveConfig
	client  *retryablehttp.Client
	limiter *rate.Limiter
}

// New builds a Fetcher from the archive section of the service config.
func New(cfg config.ArchiveConfig) *Fetcher {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil

	interval := cfg.MinRequestInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	return &Fetcher{
		cfg:     cfg,
		client:  rc,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

type tickerEntry struct {
	CIK    int    `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// submissionsResponse models the slice of SEC EDGAR's submissions JSON
// this fetcher needs: the parallel arrays described in §4.1 step 2.
type submissionsResponse struct {
	Filings struct {
		Recent struct {
			Form            []string `json:"form"`
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// DownloadFilings is the Archive Fetcher's single public operation (§4.1).
func (f *Fetcher) DownloadFilings(ctx context.Context, companyIdentifier string, filingTypes []string) ([]domain.FilingDocument, error) {
	key10, err := f.resolveKey(ctx, companyIdentifier)
	if err != nil {
		return nil, err
	}
	if key10 == "" {
		return nil, nil
	}

	filings, err := f.listFilings(ctx, key10, filingTypes)
	if err != nil {
		return nil, err
	}

	var docs []domain.FilingDocument
	for _, filing := range filings {
		select {
		case <-ctx.Done():
			return docs, ctx.Err()
		default:
		}

		content, ok := f.downloadOne(ctx, key10, filing)
		if !ok {
			continue
		}
		docs = append(docs, domain.FilingDocument{
			Content:           content,
			FileName:          filing.fileName(),
			FilingType:        filing.form,
			AccessionNumber:   filing.accession,
			FilingDate:        filing.date,
			CompanyIdentifier: companyIdentifier,
		})
	}
	return docs, nil
}

// resolveKey implements §4.1 step 1. A purely numeric identifier is
// treated verbatim; anything else is matched case-insensitively against
// the ticker index.
func (f *Fetcher) resolveKey(ctx context.Context, companyIdentifier string) (string, error) {
	if isAllDigits(companyIdentifier) {
		return zeroPad10(companyIdentifier), nil
	}

	body, err := f.get(ctx, f.cfg.TickerIndexURL)
	if err != nil {
		return "", domain.NewError(domain.KindProviderFailure, "failed to fetch ticker index", err)
	}

	var index map[string]tickerEntry
	if err := json.Unmarshal(body, &index); err != nil {
		return "", domain.NewError(domain.KindProviderFailure, "failed to parse ticker index", err)
	}

	wanted := strings.ToLower(companyIdentifier)
	for _, entry := range index {
		if strings.ToLower(entry.Ticker) == wanted {
			return zeroPad10(strconv.Itoa(entry.CIK)), nil
		}
	}
	return "", nil
}

type filingEntry struct {
	form            string
	accession       string
	primaryDocument string
	date            time.Time
}

func (e filingEntry) fileName() string {
	return fmt.Sprintf("%s_%s", strings.ReplaceAll(e.accession, "-", ""), e.primaryDocument)
}

// listFilings implements §4.1 step 2.
func (f *Fetcher) listFilings(ctx context.Context, key10 string, filingTypes []string) ([]filingEntry, error) {
	url := fmt.Sprintf("%s/CIK%s.json", f.cfg.SubmissionsBaseURL, key10)
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, domain.NewError(domain.KindProviderFailure, "failed to fetch submissions index", err)
	}

	var resp submissionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewError(domain.KindProviderFailure, "failed to parse submissions index", err)
	}

	wanted := make(map[string]bool, len(filingTypes))
	for _, t := range filingTypes {
		wanted[strings.ToUpper(t)] = true
	}

	recent := resp.Filings.Recent
	n := len(recent.Form)
	var entries []filingEntry
	for i := 0; i < n; i++ {
		if i >= len(recent.AccessionNumber) || i >= len(recent.FilingDate) || i >= len(recent.PrimaryDocument) {
			break
		}
		if !wanted[strings.ToUpper(recent.Form[i])] {
			continue
		}
		date, err := time.Parse("2006-01-02", recent.FilingDate[i])
		if err != nil {
			continue // unparsable filing date is dropped, per §4.1 step 2
		}
		entries = append(entries, filingEntry{
			form:            recent.Form[i],
			accession:       recent.AccessionNumber[i],
			primaryDocument: recent.PrimaryDocument[i],
			date:            date,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].date.After(entries[j].date) })

	if f.cfg.MaxFilingsToDownload > 0 && len(entries) > f.cfg.MaxFilingsToDownload {
		entries = entries[:f.cfg.MaxFilingsToDownload]
	}
	return entries, nil
}

// downloadOne implements §4.1 step 3: non-success HTTP or a thrown error
// both result in the filing being skipped, never aborting the whole run.
func (f *Fetcher) downloadOne(ctx context.Context, key10 string, filing filingEntry) ([]byte, bool) {
	keyNoZeros := strings.TrimLeft(key10, "0")
	if keyNoZeros == "" {
		keyNoZeros = "0"
	}
	accessionNoDashes := strings.ReplaceAll(filing.accession, "-", "")
	url := fmt.Sprintf("%s/%s/%s/%s", f.cfg.ArchiveBaseURL, keyNoZeros, accessionNoDashes, filing.primaryDocument)

	body, err := f.get(ctx, url)
	if err != nil {
		logging.Error("archive fetcher: download failed for %s: %v", url, err)
		return nil, false
	}
	return body, true
}

// get performs one rate-limited, user-agent-tagged GET, per §4.1's rate
// floor and §6's contact-bearing User-Agent policy requirement.
func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func zeroPad10(numeric string) string {
	numeric = strings.TrimLeft(numeric, "0")
	if numeric == "" {
		numeric = "0"
	}
	if len(numeric) >= 10 {
		return numeric[len(numeric)-10:]
	}
	return strings.Repeat("0", 10-len(numeric)) + numeric
}
