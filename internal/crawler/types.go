package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Status labels set on an Entry while a worker owns it.
const (
	StatusInitialized    = "worker-initialized"
	StatusCheckingRobots = "worker-checkingrobots"
	StatusLoading        = "worker-loading"
	StatusProcessed      = "worker-processed"
	StatusFinalized      = "worker-finalized"
)

// Entry is one unit of pending crawl work. Everything except the status label
// is fixed once the entry has been stacked; LoadDate is stamped when a worker
// takes the entry, before the worker starts.
type Entry struct {
	URL            string    `json:"url"`
	Hash           string    `json:"hash"`
	Initiator      string    `json:"initiator,omitempty"`
	Referrer       string    `json:"referrer,omitempty"`
	ProfileHandle  string    `json:"profile"`
	Depth          int       `json:"depth"`
	AnchorName     string    `json:"anchor,omitempty"`
	AppearanceDate time.Time `json:"appearance_date"`
	LoadDate       time.Time `json:"load_date,omitzero"`
	ForkFactor     int       `json:"fork_factor,omitempty"`

	status atomic.Pointer[string]
}

// EntryParams collects the values needed to build an Entry.
type EntryParams struct {
	URL            string
	Initiator      string
	Referrer       string
	ProfileHandle  string
	Depth          int
	AnchorName     string
	AppearanceDate time.Time
	ForkFactor     int
}

// NewEntry normalizes the URL and derives its hash.
func NewEntry(p EntryParams) (*Entry, error) {
	normalized, err := NormalizeURL(p.URL)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(normalized)
	if err != nil || parsed.Scheme == "" {
		return nil, fmt.Errorf("invalid url %q", p.URL)
	}
	appearance := p.AppearanceDate
	if appearance.IsZero() {
		appearance = time.Now().UTC()
	}
	return &Entry{
		URL:            normalized,
		Hash:           hashNormalized(normalized),
		Initiator:      p.Initiator,
		Referrer:       p.Referrer,
		ProfileHandle:  p.ProfileHandle,
		Depth:          p.Depth,
		AnchorName:     p.AnchorName,
		AppearanceDate: appearance,
		ForkFactor:     p.ForkFactor,
	}, nil
}

// Status returns the current observability label.
func (e *Entry) Status() string {
	if p := e.status.Load(); p != nil {
		return *p
	}
	return ""
}

// SetStatus replaces the observability label.
func (e *Entry) SetStatus(label string) {
	e.status.Store(&label)
}

// Scheme returns the lowercase URL scheme.
func (e *Entry) Scheme() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Host returns the lowercase hostname, or "" when the URL cannot be parsed.
func (e *Entry) Host() string {
	return HostOf(e.URL)
}

// Clone copies the persisted fields. The status label is not carried over.
func (e *Entry) Clone() *Entry {
	return &Entry{
		URL:            e.URL,
		Hash:           e.Hash,
		Initiator:      e.Initiator,
		Referrer:       e.Referrer,
		ProfileHandle:  e.ProfileHandle,
		Depth:          e.Depth,
		AnchorName:     e.AnchorName,
		AppearanceDate: e.AppearanceDate,
		LoadDate:       e.LoadDate,
		ForkFactor:     e.ForkFactor,
	}
}

// Profile is a named crawl policy looked up by handle.
type Profile struct {
	Handle         string `json:"handle" mapstructure:"handle"`
	Name           string `json:"name" mapstructure:"name"`
	DepthLimit     int    `json:"depth_limit" mapstructure:"depth_limit"`
	URLFilter      string `json:"url_filter" mapstructure:"url_filter"`
	RemoteIndexing bool   `json:"remote_indexing" mapstructure:"remote_indexing"`
	RespectRobots  bool   `json:"respect_robots" mapstructure:"respect_robots"`

	filterOnce sync.Once
	filter     *regexp.Regexp
}

// MatchesFilter reports whether rawURL passes the profile URL filter. An empty
// or invalid filter matches everything.
func (p *Profile) MatchesFilter(rawURL string) bool {
	p.filterOnce.Do(func() {
		if p.URLFilter == "" || p.URLFilter == ".*" {
			return
		}
		re, err := regexp.Compile(p.URLFilter)
		if err == nil {
			p.filter = re
		}
	})
	if p.filter == nil {
		return true
	}
	return p.filter.MatchString(rawURL)
}

// Peer describes another node in the crawl network.
type Peer struct {
	ID               string `json:"id" mapstructure:"id"`
	Name             string `json:"name" mapstructure:"name"`
	Address          string `json:"address" mapstructure:"address"`
	Cluster          bool   `json:"cluster" mapstructure:"cluster"`
	RemoteCrawlCount int    `json:"rcount" mapstructure:"rcount"`
	Senior           bool   `json:"senior" mapstructure:"senior"`
}

// Candidate is one URL offered by a peer for remote crawling. Values are raw
// strings as read from the peer's feed.
type Candidate struct {
	Link        string
	Referrer    string
	Description string
	PubDate     string
}

// StackRequest asks the stacker to place a URL into the frontier.
type StackRequest struct {
	URL            *url.URL
	Referrer       *url.URL
	Initiator      string
	Name           string
	AppearanceDate time.Time
	ProfileHandle  string
	Depth          int
}

// Response is a loaded resource.
type Response struct {
	Entry       *Entry
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	FetchedAt   time.Time
	Duration    time.Duration
}
