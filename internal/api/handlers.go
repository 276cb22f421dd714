package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scrapegate/internal/crawl"
	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// teamHeader carries the caller's team when the body does not.
const teamHeader = "X-Team-ID"

type crawlRequest struct {
	TeamID            string                 `json:"team_id"`
	URL               string                 `json:"url"`
	CrawlerOptions    crawler.CrawlerOptions `json:"crawler_options"`
	ScrapeOptions     crawler.ScrapeOptions  `json:"scrape_options"`
	MaxConcurrency    *int                   `json:"max_concurrency,omitempty"`
	Webhook           *crawler.WebhookConfig `json:"webhook,omitempty"`
	ZeroDataRetention bool                   `json:"zero_data_retention"`
	Priority          int                    `json:"priority"`
}

type batchRequest struct {
	TeamID            string                 `json:"team_id"`
	URLs              []string               `json:"urls"`
	ScrapeOptions     crawler.ScrapeOptions  `json:"scrape_options"`
	MaxConcurrency    *int                   `json:"max_concurrency,omitempty"`
	Webhook           *crawler.WebhookConfig `json:"webhook,omitempty"`
	ZeroDataRetention bool                   `json:"zero_data_retention"`
	Priority          int                    `json:"priority"`
}

type scrapeRequest struct {
	TeamID            string                `json:"team_id"`
	URL               string                `json:"url"`
	ScrapeOptions     crawler.ScrapeOptions `json:"scrape_options"`
	ZeroDataRetention bool                  `json:"zero_data_retention"`
	Priority          int                   `json:"priority"`
}

type crawlStatusResponse struct {
	crawl.Status
	Documents []crawler.Document `json:"documents"`
	Next      *int64             `json:"next_offset,omitempty"`
}

type concurrencyResponse struct {
	TeamID string `json:"team_id"`
	Limit  int    `json:"limit"`
	Active int64  `json:"active"`
	Queued int64  `json:"queued"`
}

func teamOf(r *http.Request, body string) string {
	if t := strings.TrimSpace(body); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(teamHeader))
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.crawls.Kickoff(r.Context(), crawl.KickoffRequest{
		TeamID:            teamOf(r, req.TeamID),
		URL:               req.URL,
		CrawlerOptions:    req.CrawlerOptions,
		ScrapeOptions:     req.ScrapeOptions,
		MaxConcurrency:    req.MaxConcurrency,
		Webhook:           req.Webhook,
		ZeroDataRetention: req.ZeroDataRetention,
		Priority:          req.Priority,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "url": "/v1/crawl/" + id})
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.crawls.StartBatch(r.Context(), crawl.BatchRequest{
		TeamID:            teamOf(r, req.TeamID),
		URLs:              req.URLs,
		ScrapeOptions:     req.ScrapeOptions,
		MaxConcurrency:    req.MaxConcurrency,
		Webhook:           req.Webhook,
		ZeroDataRetention: req.ZeroDataRetention,
		Priority:          req.Priority,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "url": "/v1/crawl/" + id})
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, admission, err := s.crawls.Scrape(r.Context(), crawl.ScrapeRequest{
		TeamID:            teamOf(r, req.TeamID),
		URL:               req.URL,
		ScrapeOptions:     req.ScrapeOptions,
		ZeroDataRetention: req.ZeroDataRetention,
		Priority:          req.Priority,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "admission": string(admission)})
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.crawls.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	docs, err := s.crawls.Documents(r.Context(), id, offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if docs == nil {
		docs = []crawler.Document{}
	}
	resp := crawlStatusResponse{Status: status, Documents: docs}
	if int64(len(docs)) == limit {
		next := offset + limit
		resp.Next = &next
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.crawls.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *Server) teamConcurrency(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	active, err := s.teams.ActiveCount(r.Context(), team)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	queued, err := s.teams.QueuedCount(r.Context(), team)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, concurrencyResponse{
		TeamID: team,
		Limit:  s.teams.TenantLimit(team),
		Active: active,
		Queued: queued,
	})
}

func (s *Server) teamCrawls(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	ids, err := s.teams.OngoingCrawls(r.Context(), team)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"team_id":    team,
		"crawls":     ids,
		"checked_at": time.Now().UTC(),
	})
}
