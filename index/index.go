package index

import (
	"errors"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "visits.bleve"

// VisitDoc is the searchable form of a visit record. Fields are queryable by
// their JSON names, e.g. '+titles:remix' or '+clientIp:10.0.0.1'.
type VisitDoc struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Date          string    `json:"date"`
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"clientIp,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Links         []string  `json:"links,omitempty"`
	Titles        []string  `json:"titles,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
	FilesProduced float64   `json:"filesProduced"`
	Success       bool      `json:"success"`
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at %s", indexPath)
		return bleve.New(indexPath, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("Opened existing index at %s", indexPath)
	return idx, nil
}

// IndexVisit adds or replaces a visit document.
func IndexVisit(idx bleve.Index, doc VisitDoc) error {
	if doc.Type == "" {
		doc.Type = "visit"
	}
	return idx.Index(doc.ID, doc)
}

// SearchIndex runs a query-string search, newest visits first.
func SearchIndex(idx bleve.Index, query string, limit int) (*bleve.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	req.Fields = []string{"*"}
	req.SortBy([]string{"-timestamp", "-_score"})
	return idx.Search(req)
}

// DeleteIndex removes the index directory.
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at %s", indexPath)
	return os.RemoveAll(indexPath)
}
