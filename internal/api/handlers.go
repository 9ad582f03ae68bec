package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/gate"
	"github.com/JakeFAU/crawlfrontier/internal/kv"
	"github.com/JakeFAU/crawlfrontier/internal/loader"
	"github.com/JakeFAU/crawlfrontier/internal/profile"
)

type frontierStats struct {
	Core      int             `json:"core"`
	Limit     int             `json:"limit"`
	Overhang  int             `json:"overhang"`
	Remote    int             `json:"remote"`
	Workers   int             `json:"workers"`
	Errors    int             `json:"errors"`
	Delegated int             `json:"delegated"`
	Caution   bool            `json:"caution"`
	Paused    map[string]bool `json:"paused"`
}

func (s *Server) frontierStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.writeJSON(w, http.StatusOK, frontierStats{
		Core:      s.queues.CoreCrawlJobSize(),
		Limit:     s.queues.LimitCrawlJobSize(),
		Overhang:  s.queues.OverhangSize(),
		Remote:    s.queues.RemoteTriggeredCrawlJobSize(),
		Workers:   s.queues.Size(),
		Errors:    s.queues.ErrorLog().Size(ctx),
		Delegated: s.queues.DelegatedLog().Size(ctx),
		Caution:   s.queues.Caution().On(),
		Paused: map[string]bool{
			"local":  s.queues.LocalPause().Paused(),
			"remote": s.queues.RemotePause().Paused(),
		},
	})
}

type workerView struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	Profile   string    `json:"profile"`
	Initiator string    `json:"initiator,omitempty"`
	Mode      string    `json:"mode"`
	Started   time.Time `json:"started"`
}

func (s *Server) workers(w http.ResponseWriter, _ *http.Request) {
	tasks := s.queues.ActiveTasks()
	out := make([]workerView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, workerView{
			ID:        t.ID,
			Hash:      t.Entry.Hash,
			URL:       t.Entry.URL,
			Status:    t.Entry.Status(),
			Profile:   t.Entry.ProfileHandle,
			Initiator: t.Entry.Initiator,
			Mode:      t.Mode.String(),
			Started:   t.Started,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		s.writeError(w, http.StatusNotFound, "task events are not recorded")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": s.opts.Events.Recent(limit)})
}

type cautionRequest struct {
	On bool `json:"on"`
}

func (s *Server) setCaution(w http.ResponseWriter, r *http.Request) {
	var req cautionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.queues.Caution().Set(req.On)
	s.logger.Info("online caution changed", zap.Bool("on", req.On))
	s.writeJSON(w, http.StatusOK, map[string]bool{"caution": req.On})
}

// pauseGates picks the gates named by the job query parameter; no job means both.
func (s *Server) pauseGates(r *http.Request) (map[string]*gate.Pause, bool) {
	switch job := r.URL.Query().Get("job"); job {
	case "":
		return map[string]*gate.Pause{"local": s.queues.LocalPause(), "remote": s.queues.RemotePause()}, true
	case "local":
		return map[string]*gate.Pause{job: s.queues.LocalPause()}, true
	case "remote":
		return map[string]*gate.Pause{job: s.queues.RemotePause()}, true
	default:
		return nil, false
	}
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	gates, ok := s.pauseGates(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "job must be local or remote")
		return
	}
	state := make(map[string]bool, len(gates))
	for name, g := range gates {
		if paused {
			g.Pause()
		} else {
			g.Resume()
		}
		state[name] = g.Paused()
	}
	s.logger.Info("crawl pause changed", zap.Bool("paused", paused), zap.Int("jobs", len(gates)))
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": state})
}

type urlView struct {
	Hash     string `json:"hash"`
	URL      string `json:"url"`
	Location string `json:"location"`
}

func (s *Server) getURL(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	ctx := r.Context()
	where, ok := s.queues.URLExists(ctx, hash)
	if !ok {
		s.writeError(w, http.StatusNotFound, "url not found")
		return
	}
	rawURL, _ := s.queues.GetURL(ctx, hash)
	s.writeJSON(w, http.StatusOK, urlView{Hash: hash, URL: rawURL, Location: where})
}

func (s *Server) removeURL(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if err := s.queues.URLRemove(r.Context(), hash); err != nil {
		s.logger.Error("remove url failed", zap.String("hash", hash), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "remove failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type delegateRequest struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason"`
}

func (s *Server) delegateURL(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Peer == "" {
		s.writeError(w, http.StatusBadRequest, "peer required")
		return
	}
	if req.Reason == "" {
		req.Reason = "delegated via API"
	}
	if err := s.queues.Delegate(r.Context(), hash, req.Peer, req.Reason); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "url not queued")
			return
		}
		s.logger.Error("delegate failed", zap.String("hash", hash), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "delegate failed")
		return
	}
	s.writeJSON(w, http.StatusOK, urlView{Hash: hash, Location: "delegated"})
}

type stackRequest struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer"`
	Name     string `json:"name"`
	Profile  string `json:"profile"`
	Depth    int    `json:"depth"`
}

func (s *Server) stackURL(w http.ResponseWriter, r *http.Request) {
	if s.stacker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stacker not configured")
		return
	}
	var req stackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if reason := s.stacker.Accept(req.URL); reason != "" {
		s.writeError(w, http.StatusUnprocessableEntity, reason)
		return
	}
	link, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "malformed url")
		return
	}
	var referrer *url.URL
	if req.Referrer != "" {
		referrer, _ = url.Parse(req.Referrer)
	}
	if req.Profile == "" {
		req.Profile = profile.Default
	}
	ctx := r.Context()
	reason := s.stacker.StackCrawl(ctx, crawler.StackRequest{
		URL:           link,
		Referrer:      referrer,
		Initiator:     s.opts.Self,
		Name:          req.Name,
		ProfileHandle: req.Profile,
		Depth:         req.Depth,
	})
	switch {
	case reason == "":
	case strings.HasPrefix(reason, "double"):
		s.writeError(w, http.StatusConflict, reason)
		return
	default:
		s.writeError(w, http.StatusUnprocessableEntity, reason)
		return
	}
	hash, err := crawler.HashURL(link.String())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	where, _ := s.queues.URLExists(ctx, hash)
	s.writeJSON(w, http.StatusAccepted, urlView{Hash: hash, URL: link.String(), Location: where})
}

type fetchRequest struct {
	URL          string `json:"url"`
	TimeoutMS    int    `json:"timeout_ms"`
	KeepInMemory bool   `json:"keep_in_memory"`
	ForText      *bool  `json:"for_text"`
	Global       bool   `json:"global"`
}

type fetchResponse struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
	Profile     string `json:"profile"`
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	timeout := s.opts.FetchTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	forText := req.ForText == nil || *req.ForText
	resp, err := s.queues.LoadResourceFromWeb(r.Context(), req.URL, timeout, req.KeepInMemory, forText, req.Global)
	if err != nil {
		var le *loader.LoadError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.As(err, &le):
			s.writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	out := fetchResponse{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Bytes:       len(resp.Body),
	}
	if resp.Entry != nil {
		out.Profile = resp.Entry.ProfileHandle
		if out.URL == "" {
			out.URL = resp.Entry.URL
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}
