package api

import (
	"encoding/xml"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

// pubDateLayout is the compact timestamp peers parse out of the feed.
const pubDateLayout = "20060102150405"

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Referrer    string `xml:"referrer,omitempty"`
	Description string `xml:"description,omitempty"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}

// remoteCrawlFeed hands LIMIT entries to the asking peer as an RSS channel.
// Handed-out entries move to the delegated log.
func (s *Server) remoteCrawlFeed(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if call := r.PostForm.Get("call"); call != "remotecrawl" {
		http.Error(w, "unknown call", http.StatusBadRequest)
		return
	}
	peer := r.PostForm.Get("iam")
	if peer == "" {
		http.Error(w, "iam required", http.StatusBadRequest)
		return
	}
	count, err := strconv.Atoi(r.PostForm.Get("count"))
	if err != nil || count <= 0 {
		count = 10
	}
	count = min(count, s.opts.ExportLimit)

	var entries []*crawler.Entry
	if !s.queues.Caution().On() {
		entries, err = s.queues.ExportRemoteCrawl(r.Context(), peer, count)
		if err != nil {
			s.logger.Error("remote crawl export failed", zap.String("peer", peer), zap.Error(err))
		}
	}

	feed := rssFeed{
		Version: "2.0",
		Channel: rssChannel{
			Title:       "remote crawl",
			Description: "urls for remote crawling",
			Items:       make([]rssItem, 0, len(entries)),
		},
	}
	for _, e := range entries {
		feed.Channel.Items = append(feed.Channel.Items, rssItem{
			Title:       e.AnchorName,
			Link:        e.URL,
			Referrer:    e.Referrer,
			Description: e.AnchorName,
			PubDate:     e.AppearanceDate.UTC().Format(pubDateLayout),
			GUID:        e.Hash,
		})
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(feed); err != nil {
		s.logger.Error("write remote crawl feed failed", zap.Error(err))
	}
}
