// vidnet/platform/platform.go
package platform

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Info describes a detected platform for a video URL.
type Info struct {
	Name          string
	VideoID       string
	NormalizedURL string
	OriginalURL   string
}

type pattern struct {
	re        *regexp.Regexp
	normalize string // template with %s for the video id, empty keeps URL as-is
}

var platformPatterns = map[string][]pattern{
	"youtube": {
		{regexp.MustCompile(`(?:https?://)?(?:www\.|m\.)?youtube\.com/watch\?v=([a-zA-Z0-9_-]+)`), "https://www.youtube.com/watch?v=%s"},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?youtu\.be/([a-zA-Z0-9_-]+)`), "https://www.youtube.com/watch?v=%s"},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/shorts/([a-zA-Z0-9_-]+)`), "https://www.youtube.com/watch?v=%s"},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/embed/([a-zA-Z0-9_-]+)`), "https://www.youtube.com/watch?v=%s"},
		{regexp.MustCompile(`(?:https?://)?music\.youtube\.com/watch\?v=([a-zA-Z0-9_-]+)`), "https://www.youtube.com/watch?v=%s"},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/live/([a-zA-Z0-9_-]+)`), "https://www.youtube.com/watch?v=%s"},
	},
	"tiktok": {
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?tiktok\.com/@[\w.-]+/video/(\d+)`), ""},
		{regexp.MustCompile(`(?:https?://)?(?:vm|vt)\.tiktok\.com/([a-zA-Z0-9]+)`), ""},
		{regexp.MustCompile(`(?:https?://)?m\.tiktok\.com/v/(\d+)`), ""},
	},
	"instagram": {
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?instagram\.com/p/([a-zA-Z0-9_-]+)`), "https://www.instagram.com/p/%s/"},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?instagram\.com/reel/([a-zA-Z0-9_-]+)`), "https://www.instagram.com/reel/%s/"},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?instagram\.com/tv/([a-zA-Z0-9_-]+)`), "https://www.instagram.com/tv/%s/"},
	},
	"facebook": {
		{regexp.MustCompile(`(?:https?://)?(?:www\.|m\.)?facebook\.com/watch/?\?v=(\d+)`), "https://www.facebook.com/watch/?v=%s"},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?facebook\.com/[\w.-]+/videos/(\d+)`), "https://www.facebook.com/watch/?v=%s"},
		{regexp.MustCompile(`(?:https?://)?fb\.watch/([a-zA-Z0-9_-]+)`), ""},
	},
	"twitter": {
		{regexp.MustCompile(`(?:https?://)?(?:www\.|mobile\.)?(?:twitter\.com|x\.com)/\w+/status/(\d+)`), ""},
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?(?:twitter\.com|x\.com)/i/web/status/(\d+)`), ""},
	},
	"reddit": {
		{regexp.MustCompile(`(?:https?://)?(?:www\.|old\.)?reddit\.com/r/\w+/comments/([a-zA-Z0-9]+)`), ""},
		{regexp.MustCompile(`(?:https?://)?v\.redd\.it/([a-zA-Z0-9]+)`), ""},
	},
	"vimeo": {
		{regexp.MustCompile(`(?:https?://)?(?:www\.)?vimeo\.com/(\d+)`), "https://vimeo.com/%s"},
		{regexp.MustCompile(`(?:https?://)?player\.vimeo\.com/video/(\d+)`), "https://vimeo.com/%s"},
	},
}

var directExtensions = []string{".mp4", ".webm", ".mkv", ".avi", ".mov", ".m4v"}

// Detect validates rawURL and identifies its platform. Unknown hosts that
// point straight at a video file count as the "direct" platform.
func Detect(rawURL string) (*Info, error) {
	if err := Validate(rawURL); err != nil {
		return nil, err
	}

	for name, patterns := range platformPatterns {
		for _, p := range patterns {
			m := p.re.FindStringSubmatch(rawURL)
			if m == nil {
				continue
			}
			info := &Info{
				Name:          name,
				VideoID:       m[1],
				NormalizedURL: rawURL,
				OriginalURL:   rawURL,
			}
			if p.normalize != "" {
				info.NormalizedURL = fmt.Sprintf(p.normalize, m[1])
			}
			return info, nil
		}
	}

	parsed, _ := url.Parse(rawURL)
	lowerPath := strings.ToLower(parsed.Path)
	for _, ext := range directExtensions {
		if strings.HasSuffix(lowerPath, ext) {
			return &Info{
				Name:          "direct",
				NormalizedURL: rawURL,
				OriginalURL:   rawURL,
			}, nil
		}
	}

	return nil, fmt.Errorf("unsupported platform: %s", parsed.Hostname())
}

const maxURLLength = 2048

// Validate checks the URL shape and rejects private/local targets so the
// extractor is never pointed at internal infrastructure.
func Validate(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	if len(rawURL) > maxURLLength {
		return fmt.Errorf("URL is too long")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only HTTP/HTTPS URLs are allowed")
	}

	hostname := strings.ToLower(parsed.Hostname())
	if isPrivateHost(hostname) {
		return fmt.Errorf("private/local URLs are not allowed")
	}
	return nil
}

var privateNets []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"0.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, _ := net.ParseCIDR(cidr)
		privateNets = append(privateNets, network)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, network := range privateNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isPrivateHost(hostname string) bool {
	if hostname == "" || hostname == "localhost" {
		return true
	}

	ip := net.ParseIP(hostname)
	if ip == nil {
		ip = net.ParseIP(strings.Trim(hostname, "[]"))
	}
	if ip != nil {
		return isPrivateIP(ip)
	}
	// Hostname resolution happens at download time; only literal IPs are
	// checked here to keep validation fast and deterministic.
	return false
}
