package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-link-downloader/index"
	"go-link-downloader/internal/database"
	"go-link-downloader/internal/models"
)

const visitKeyPrefix = "v:"

// VisitStore keeps every visit record in bitcask and indexes it in bleve
// for free-text lookups over titles and links.
type VisitStore struct {
	db  *database.DB
	idx bleve.Index
}

// OpenVisitStore opens the record store and its search index.
func OpenVisitStore(dbPath, indexPath string) (*VisitStore, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	idx, err := index.OpenOrCreateIndex(indexPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open visit index: %w", err)
	}
	return &VisitStore{db: db, idx: idx}, nil
}

func (v *VisitStore) Close() error {
	idxErr := v.idx.Close()
	if err := v.db.Close(); err != nil {
		return err
	}
	return idxErr
}

func (v *VisitStore) Name() string { return "visits" }

func visitKey(rec models.VisitRecord) string {
	return visitKeyPrefix + rec.Date + ":" + rec.SessionID
}

// Record stores rec and then indexes it. An index failure is logged; the
// stored record stays authoritative.
func (v *VisitStore) Record(_ context.Context, rec models.VisitRecord) error {
	if rec.Date == "" {
		rec.Date = rec.Timestamp.Format("2006-01-02")
	}
	key := visitKey(rec)
	if err := v.db.PutJSON(key, rec); err != nil {
		return err
	}
	doc := index.VisitDoc{
		ID:            key,
		Date:          rec.Date,
		Timestamp:     rec.Timestamp,
		ClientIP:      rec.ClientIP,
		UserAgent:     rec.UserAgent,
		Links:         rec.Links,
		Titles:        rec.Titles,
		Errors:        rec.Errors,
		FilesProduced: float64(rec.FilesProduced),
		Success:       rec.Success,
	}
	if err := index.IndexVisit(v.idx, doc); err != nil {
		log.WithError(err).Warnf("Failed to index visit %s", rec.SessionID)
	}
	return nil
}

// List returns the records for date (YYYY-MM-DD, or every date when empty),
// newest first. limit <= 0 means no limit.
func (v *VisitStore) List(date string, limit int) ([]models.VisitRecord, error) {
	prefix := visitKeyPrefix
	if date != "" {
		prefix += date + ":"
	}
	var out []models.VisitRecord
	err := v.db.FoldPrefix([]byte(prefix), func(key, value []byte) error {
		var rec models.VisitRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			log.WithError(err).Warnf("Skipping unreadable visit %s", string(key))
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search runs a bleve query-string search and loads the matching records.
func (v *VisitStore) Search(query string, limit int) ([]models.VisitRecord, error) {
	res, err := index.SearchIndex(v.idx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("visit search failed: %w", err)
	}
	out := make([]models.VisitRecord, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var rec models.VisitRecord
		if err := v.db.GetJSON(hit.ID, &rec); err != nil {
			log.WithError(err).Debugf("Indexed visit %s missing from store", hit.ID)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// TitleCount is one row of the most requested titles.
type TitleCount struct {
	Title string
	Count int
}

// Stats summarizes a set of visit records.
type Stats struct {
	TotalVisits    int
	UniqueIPs      int
	TotalLinks     int
	TotalFiles     int
	Successful     int
	SuccessRate    float64
	TopTitles      []TitleCount
	FirstTimestamp string
	LastTimestamp  string
}

// Summarize computes totals and the top titles (at most topN).
func Summarize(records []models.VisitRecord, topN int) Stats {
	s := Stats{TotalVisits: len(records)}
	ips := make(map[string]struct{})
	titles := make(map[string]int)
	for i, rec := range records {
		if rec.ClientIP != "" {
			ips[rec.ClientIP] = struct{}{}
		}
		s.TotalLinks += len(rec.Links)
		s.TotalFiles += rec.FilesProduced
		if rec.Success {
			s.Successful++
		}
		for _, t := range rec.Titles {
			t = strings.TrimSpace(t)
			if t != "" {
				titles[t]++
			}
		}
		ts := rec.Timestamp.Format("2006-01-02 15:04:05")
		if i == 0 || ts < s.FirstTimestamp {
			s.FirstTimestamp = ts
		}
		if ts > s.LastTimestamp {
			s.LastTimestamp = ts
		}
	}
	s.UniqueIPs = len(ips)
	if s.TotalVisits > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.TotalVisits) * 100
	}

	for t, n := range titles {
		s.TopTitles = append(s.TopTitles, TitleCount{Title: t, Count: n})
	}
	sort.Slice(s.TopTitles, func(i, j int) bool {
		if s.TopTitles[i].Count != s.TopTitles[j].Count {
			return s.TopTitles[i].Count > s.TopTitles[j].Count
		}
		return s.TopTitles[i].Title < s.TopTitles[j].Title
	})
	if topN > 0 && len(s.TopTitles) > topN {
		s.TopTitles = s.TopTitles[:topN]
	}
	return s
}
