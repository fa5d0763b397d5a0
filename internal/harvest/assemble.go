package harvest

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
)

const (
	contentAuthor      = "payfit.com"
	recurrenceMonthly  = "monthly"
	qualificationLabel = "pay_sheet"
	pdfContentType     = "application/pdf"
)

// ListingEntry is one document of the intercepted files list.
type ListingEntry struct {
	ID            string `json:"id"`
	AbsoluteMonth int    `json:"absoluteMonth"`
	CreatedAt     string `json:"createdAt"`
}

// Listing is the decoded files list and the bearer token that fetched it.
type Listing struct {
	Entries []ListingEntry
	Token   string

	byID map[string]int
}

// ParseListing decodes a filesList interception.
func ParseListing(resp interception.Response) (Listing, error) {
	var listing Listing
	if err := resp.Decode(&listing.Entries); err != nil {
		return listing, err
	}
	if auth := resp.Header("Authorization"); auth != "" {
		fields := strings.Fields(auth)
		listing.Token = fields[len(fields)-1]
	}
	listing.byID = make(map[string]int, len(listing.Entries))
	for i, e := range listing.Entries {
		listing.byID[e.ID] = i
	}
	return listing, nil
}

// Lookup returns the entry with the given document id.
func (l Listing) Lookup(id string) (ListingEntry, bool) {
	i, ok := l.byID[id]
	if !ok {
		return ListingEntry{}, false
	}
	return l.Entries[i], true
}

// DocumentDate converts an absolute month, counted from January 2015 as 1,
// to the first day of that month.
func DocumentDate(absoluteMonth int) time.Time {
	return time.Date(2015, time.Month(absoluteMonth), 1, 0, 0, 0, 0, time.UTC)
}

// Filename is {company}_{yyyy_MM}_{last 5 chars of the id}.pdf.
func Filename(companyName string, date time.Time, vendorID string) string {
	suffix := vendorID
	if len(suffix) > 5 {
		suffix = suffix[len(suffix)-5:]
	}
	return fmt.Sprintf("%s_%s_%s.pdf", companyName, date.Format("2006_01"), suffix)
}

type signedURL struct {
	URL string `json:"url"`
}

// Assemble joins listing entries to the signed URL responses whose request or
// signed path contains the entry id. Entries without a match are dropped.
func Assemble(entries []ListingEntry, signed []interception.Response, companyName, filesAPI string) []schemas.PayslipDocument {
	type candidate struct {
		requestURL string
		path       string
		used       bool
	}
	candidates := make([]candidate, 0, len(signed))
	for _, resp := range signed {
		var body signedURL
		if err := resp.Decode(&body); err != nil || body.URL == "" {
			continue
		}
		candidates = append(candidates, candidate{requestURL: resp.URL, path: body.URL})
	}

	docs := make([]schemas.PayslipDocument, 0, len(entries))
	for _, e := range entries {
		for i := range candidates {
			c := &candidates[i]
			if c.used || !(strings.Contains(c.path, e.ID) || strings.Contains(c.requestURL, e.ID)) {
				continue
			}
			c.used = true
			docs = append(docs, newDocument(e, companyName, strings.TrimSuffix(filesAPI, "/")+c.path))
			break
		}
	}
	return docs
}

func newDocument(e ListingEntry, companyName, downloadURL string) schemas.PayslipDocument {
	date := DocumentDate(e.AbsoluteMonth)
	issued, _ := time.Parse(time.RFC3339, e.CreatedAt)
	return schemas.PayslipDocument{
		VendorID:    e.ID,
		VendorRef:   e.ID,
		Date:        date.Format("2006-01-02"),
		CompanyName: companyName,
		Filename:    Filename(companyName, date, e.ID),
		DownloadURL: downloadURL,
		Recurrence:  recurrenceMonthly,
		Metadata: schemas.DocumentMetadata{
			ContentAuthor: contentAuthor,
			IssueDate:     issued,
			CarbonCopy:    true,
		},
	}
}
