package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/store"
)

// DefaultRecordTTL is how long crawl records and their side keys live.
const DefaultRecordTTL = 24 * time.Hour

func crawlKey(id string) string        { return "crawl:" + id }
func finishKey(id string) string       { return "crawl:" + id + ":finish" }
func visitedKey(id string) string      { return "crawl:" + id + ":visited" }
func cancelledKey(id string) string    { return "crawl:" + id + ":cancelled" }
func teamCrawlsKey(team string) string { return "crawls_by_team:" + team }

// Store persists StoredCrawl records as JSON in the shared ordered store.
type Store struct {
	st  store.OrderedStore
	ttl time.Duration
}

// NewStore constructs a Store. ttl <= 0 selects DefaultRecordTTL.
func NewStore(st store.OrderedStore, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &Store{st: st, ttl: ttl}
}

// GetCrawl loads a crawl record; crawler.ErrCrawlNotFound when missing.
func (s *Store) GetCrawl(ctx context.Context, id string) (crawler.StoredCrawl, error) {
	raw, err := s.st.Get(ctx, crawlKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return crawler.StoredCrawl{}, crawler.ErrCrawlNotFound
	}
	if err != nil {
		return crawler.StoredCrawl{}, fmt.Errorf("get crawl %s: %w", id, err)
	}
	var c crawler.StoredCrawl
	if err := json.Unmarshal(raw, &c); err != nil {
		return crawler.StoredCrawl{}, fmt.Errorf("decode crawl %s: %w", id, err)
	}
	if !c.Cancelled {
		if c.Cancelled, err = s.cancelFlag(ctx, id); err != nil {
			return crawler.StoredCrawl{}, err
		}
	}
	return c, nil
}

// The cancel flag lives outside the record so a concurrent Update cannot
// write a stale copy over it.
func (s *Store) cancelFlag(ctx context.Context, id string) (bool, error) {
	_, err := s.st.Get(ctx, cancelledKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cancel flag %s: %w", id, err)
	}
	return true, nil
}

// MarkCancelled sets the crawl's cancel flag. crawler.ErrCrawlNotFound when
// the crawl is missing.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	if _, err := s.GetCrawl(ctx, id); err != nil {
		return err
	}
	if err := s.st.Set(ctx, cancelledKey(id), []byte("yes"), s.ttl); err != nil {
		return fmt.Errorf("set cancel flag %s: %w", id, err)
	}
	return nil
}

// SaveCrawl writes the record and refreshes its lifetime.
func (s *Store) SaveCrawl(ctx context.Context, c crawler.StoredCrawl) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode crawl %s: %w", c.ID, err)
	}
	if err := s.st.Set(ctx, crawlKey(c.ID), raw, s.ttl); err != nil {
		return fmt.Errorf("save crawl %s: %w", c.ID, err)
	}
	return nil
}

// MarkCrawlActive adds the crawl to its team's ongoing index.
func (s *Store) MarkCrawlActive(ctx context.Context, c crawler.StoredCrawl) error {
	key := teamCrawlsKey(c.TeamID)
	if _, err := s.st.SAdd(ctx, key, c.ID); err != nil {
		return fmt.Errorf("index crawl %s: %w", c.ID, err)
	}
	if err := s.st.Expire(ctx, key, s.ttl); err != nil {
		return fmt.Errorf("expire crawl index: %w", err)
	}
	return nil
}

// IsCrawlCancelled reports the cancelled flag. A crawl that no longer exists
// counts as cancelled so its stragglers stop.
func (s *Store) IsCrawlCancelled(ctx context.Context, id string) (bool, error) {
	c, err := s.GetCrawl(ctx, id)
	if errors.Is(err, crawler.ErrCrawlNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return c.Cancelled, nil
}

// OngoingCrawls lists the team's active crawl ids, pruning ids whose record
// has expired.
func (s *Store) OngoingCrawls(ctx context.Context, teamID string) ([]string, error) {
	key := teamCrawlsKey(teamID)
	ids, err := s.st.SMembers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list team crawls: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		_, err := s.st.Get(ctx, crawlKey(id))
		if errors.Is(err, store.ErrNotFound) {
			if _, err := s.st.SRem(ctx, key, id); err != nil {
				return nil, fmt.Errorf("prune team crawl: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check crawl %s: %w", id, err)
		}
		live = append(live, id)
	}
	return live, nil
}

// MarkCrawlFinished sets the finish marker and drops the crawl from the
// ongoing index. Only the first caller gets true.
func (s *Store) MarkCrawlFinished(ctx context.Context, c crawler.StoredCrawl) (bool, error) {
	first, err := s.st.SetNX(ctx, finishKey(c.ID), []byte("yes"), s.ttl)
	if err != nil {
		return false, fmt.Errorf("mark crawl finished: %w", err)
	}
	if !first {
		return false, nil
	}
	if _, err := s.st.SRem(ctx, teamCrawlsKey(c.TeamID), c.ID); err != nil {
		return true, fmt.Errorf("unindex crawl %s: %w", c.ID, err)
	}
	return true, nil
}

// IsFinished reports whether the finish marker is set.
func (s *Store) IsFinished(ctx context.Context, id string) (bool, error) {
	_, err := s.st.Get(ctx, finishKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get finish marker: %w", err)
	}
	return true, nil
}

// MarkVisited records rawURL as discovered for the crawl and reports whether
// it was new.
func (s *Store) MarkVisited(ctx context.Context, crawlID, rawURL string) (bool, error) {
	key := visitedKey(crawlID)
	n, err := s.st.SAdd(ctx, key, normalizeURL(rawURL))
	if err != nil {
		return false, fmt.Errorf("mark visited: %w", err)
	}
	if n > 0 {
		if err := s.st.Expire(ctx, key, s.ttl); err != nil {
			return true, fmt.Errorf("expire visited set: %w", err)
		}
	}
	return n > 0, nil
}

// Update applies fn to the stored record and writes it back. It is not
// atomic; the cancel flag is kept out of its reach.
func (s *Store) Update(ctx context.Context, id string, fn func(*crawler.StoredCrawl)) (crawler.StoredCrawl, error) {
	c, err := s.GetCrawl(ctx, id)
	if err != nil {
		return crawler.StoredCrawl{}, err
	}
	fn(&c)
	if err := s.SaveCrawl(ctx, c); err != nil {
		return crawler.StoredCrawl{}, err
	}
	return c, nil
}

func documentsKey(id string) string { return "crawl:" + id + ":documents" }

// AddDocument appends a scraped document to the crawl's result list, ordered
// by fetch time.
func (s *Store) AddDocument(ctx context.Context, crawlID string, doc crawler.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	key := documentsKey(crawlID)
	if err := s.st.ZAdd(ctx, key, string(raw), store.Score(doc.FetchedAt)); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	if err := s.st.Expire(ctx, key, s.ttl); err != nil {
		return fmt.Errorf("expire documents: %w", err)
	}
	return nil
}

// Documents pages through the crawl's results in fetch order.
func (s *Store) Documents(ctx context.Context, crawlID string, offset, limit int64) ([]crawler.Document, error) {
	raw, err := s.st.ZRangeByScore(ctx, documentsKey(crawlID), store.MinScore, store.MaxScore, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]crawler.Document, 0, len(raw))
	for _, r := range raw {
		var d crawler.Document
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			continue
		}
		docs = append(docs, d)
	}
	return docs, nil
}
