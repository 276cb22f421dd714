package crawl

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/net/publicsuffix"
)

// DenialReason explains why FilterLinks rejected a link.
type DenialReason string

// Denial reasons.
const (
	DenyURLParse       DenialReason = "URL_PARSE_ERROR"
	DenyDepthLimit     DenialReason = "DEPTH_LIMIT"
	DenyFileType       DenialReason = "FILE_TYPE"
	DenySectionLink    DenialReason = "SECTION_LINK"
	DenyBackward       DenialReason = "BACKWARD_CRAWLING"
	DenyExcludePattern DenialReason = "EXCLUDE_PATTERN"
	DenyIncludePattern DenialReason = "INCLUDE_PATTERN"
	DenyRobotsTxt      DenialReason = "ROBOTS_TXT"
	DenySocialMedia    DenialReason = "SOCIAL_MEDIA"
	DenyExternalLink   DenialReason = "EXTERNAL_LINK"
)

// RobotsAgent is the user agent group consulted in robots.txt.
const RobotsAgent = "ScrapegateAgent"

var fileExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".css": {}, ".js": {}, ".ico": {}, ".svg": {},
	".tiff": {}, ".zip": {}, ".exe": {}, ".dmg": {}, ".mp4": {}, ".mp3": {}, ".wav": {}, ".pptx": {},
	".xlsx": {}, ".avi": {}, ".flv": {}, ".woff": {}, ".ttf": {}, ".woff2": {}, ".webp": {}, ".inc": {},
}

var socialOrEmail = []string{
	"facebook.com", "twitter.com", "linkedin.com", "instagram.com", "pinterest.com",
	"mailto:", "github.com", "calendly.com", "discord.gg", "discord.com",
}

// FilterInput is one batch of discovered links plus the crawl's rules.
type FilterInput struct {
	Links []string
	// Limit caps accepted links; <= 0 means no cap.
	Limit int
	// MaxDepth is the maximum number of path segments.
	MaxDepth                  int
	BaseURL                   string
	InitialURL                string
	RegexOnFullURL            bool
	Excludes                  []string
	Includes                  []string
	AllowBackwardCrawling     bool
	IgnoreRobotsTxt           bool
	RobotsTxt                 string
	AllowExternalContentLinks bool
	AllowSubdomains           bool
}

// FilterResult holds accepted absolute URLs and per-link denials keyed by the
// link as discovered.
type FilterResult struct {
	Links         []string
	DenialReasons map[string]DenialReason
}

// FilterLinks applies the crawl's discovery rules to links. Invalid include
// or exclude patterns are ignored; an unparsable base URL is an error.
func FilterLinks(in FilterInput) (FilterResult, error) {
	res := FilterResult{DenialReasons: make(map[string]DenialReason)}
	base, err := url.Parse(in.BaseURL)
	if err != nil {
		return res, fmt.Errorf("parse base url: %w", err)
	}
	initial, err := url.Parse(in.InitialURL)
	if err != nil {
		return res, fmt.Errorf("parse initial url: %w", err)
	}
	excludes := compileAll(in.Excludes)
	includes := compileAll(in.Includes)

	var robots *robotstxt.Group
	if !in.IgnoreRobotsTxt && in.RobotsTxt != "" {
		if data, err := robotstxt.FromString(in.RobotsTxt); err == nil {
			robots = data.FindGroup(RobotsAgent)
		}
	}

	for _, link := range in.Links {
		if in.Limit > 0 && len(res.Links) >= in.Limit {
			break
		}
		u, err := base.Parse(strings.TrimSpace(link))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			if err == nil && u.Scheme == "mailto" {
				res.DenialReasons[link] = DenySocialMedia
				continue
			}
			res.DenialReasons[link] = DenyURLParse
			continue
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		full := u.String()

		if urlDepth(p) > in.MaxDepth {
			res.DenialReasons[link] = DenyDepthLimit
			continue
		}
		if isFile(p) {
			res.DenialReasons[link] = DenyFileType
			continue
		}

		if isInternal(u, base) {
			if !noSections(u) {
				res.DenialReasons[link] = DenySectionLink
				continue
			}
			if !in.AllowBackwardCrawling && !strings.HasPrefix(p, initialPath(initial)) {
				res.DenialReasons[link] = DenyBackward
				continue
			}
			target := p
			if in.RegexOnFullURL {
				target = full
			}
			if matchAny(excludes, target) {
				res.DenialReasons[link] = DenyExcludePattern
				continue
			}
			if len(includes) > 0 && !matchAny(includes, target) {
				res.DenialReasons[link] = DenyIncludePattern
				continue
			}
			if robots != nil && !robots.Test(robotsPath(u)) {
				res.DenialReasons[link] = DenyRobotsTxt
				continue
			}
			res.Links = append(res.Links, full)
			continue
		}

		if isSocialOrEmail(full) {
			res.DenialReasons[link] = DenySocialMedia
			continue
		}
		if matchAny(excludes, full) {
			res.DenialReasons[link] = DenyExcludePattern
			continue
		}
		if isInternal(initial, base) && in.AllowExternalContentLinks && !isMainPage(u) {
			res.Links = append(res.Links, full)
			continue
		}
		if in.AllowSubdomains && isSameSite(u, base) {
			target := p
			if in.RegexOnFullURL {
				target = full
			}
			if len(includes) > 0 && !matchAny(includes, target) {
				res.DenialReasons[link] = DenyIncludePattern
				continue
			}
			res.Links = append(res.Links, full)
			continue
		}
		res.DenialReasons[link] = DenyExternalLink
	}
	return res, nil
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// urlDepth counts path segments, ignoring index documents.
func urlDepth(p string) int {
	depth := 0
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "index.php" || seg == "index.html" {
			continue
		}
		depth++
	}
	return depth
}

func isFile(p string) bool {
	_, ok := fileExtensions[strings.ToLower(path.Ext(p))]
	return ok
}

func bareHost(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func isInternal(u, base *url.URL) bool {
	return bareHost(u) == bareHost(base)
}

// noSections accepts links without a fragment and hash routes such as "#/docs".
func noSections(u *url.URL) bool {
	if u.Fragment == "" {
		return true
	}
	return len(u.Fragment) > 1 && strings.Contains(u.Fragment, "/")
}

func isSocialOrEmail(s string) bool {
	for _, needle := range socialOrEmail {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func isSameSite(u, base *url.URL) bool {
	a, errA := publicsuffix.EffectiveTLDPlusOne(u.Hostname())
	b, errB := publicsuffix.EffectiveTLDPlusOne(base.Hostname())
	return errA == nil && errB == nil && a == b
}

func isMainPage(u *url.URL) bool {
	return urlDepth(u.EscapedPath()) == 0
}

func initialPath(u *url.URL) string {
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}

func robotsPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// normalizeURL is the dedupe key for the visited set.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	if !strings.Contains(u.Fragment, "/") {
		u.Fragment = ""
		u.RawFragment = ""
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}

// robotsCrawlDelay returns the Crawl-delay our agent must honour, or zero
// when the body is empty or unparsable.
func robotsCrawlDelay(body string) time.Duration {
	if strings.TrimSpace(body) == "" {
		return 0
	}
	data, err := robotstxt.FromString(body)
	if err != nil {
		return 0
	}
	group := data.FindGroup(RobotsAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}
