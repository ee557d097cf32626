package strategy

import (
	"net/http"
	"path"
	"strings"
)

// offlinePageHTML is served for navigation requests when both the
// network and the cache come up empty, so the app shows an offline
// page instead of a browser error.
const offlinePageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Offline</title>
</head>
<body>
<h1>You are offline</h1>
<p>This page is not available offline. Reconnect and try again.</p>
</body>
</html>
`

// placeholderSVG is served in place of an image that is neither
// cached nor reachable.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="120" height="90" viewBox="0 0 120 90">
<rect width="120" height="90" fill="#2a2a2e"/>
<text x="60" y="50" fill="#8b8b92" font-size="12" text-anchor="middle">offline</text>
</svg>
`

// imageExtensions are URL suffixes treated as image-like for the
// cache-first placeholder fallback.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".svg":  true,
	".webp": true,
	".gif":  true,
}

// imageLike reports whether the URL looks like an image request.
func imageLike(url string) bool {
	u := url
	if idx := strings.IndexAny(u, "?#"); idx >= 0 {
		u = u[:idx]
	}
	return imageExtensions[strings.ToLower(path.Ext(u))]
}

// SyntheticNotFound returns a locally constructed 404 response.
func SyntheticNotFound() *Response {
	return &Response{
		StatusCode:  http.StatusNotFound,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte("not found\n"),
		Source:      SourceSynthetic,
	}
}

// SyntheticTimeout returns a locally constructed 408 response.
func SyntheticTimeout() *Response {
	return &Response{
		StatusCode:  http.StatusRequestTimeout,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte("request timed out while offline\n"),
		Source:      SourceSynthetic,
	}
}

// SyntheticOfflinePage returns the offline HTML page with status 200,
// used for navigation-mode requests.
func SyntheticOfflinePage() *Response {
	return &Response{
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(offlinePageHTML),
		Source:      SourceSynthetic,
	}
}

// PlaceholderImage returns the placeholder image response.
func PlaceholderImage() *Response {
	return &Response{
		StatusCode:  http.StatusOK,
		ContentType: "image/svg+xml",
		Body:        []byte(placeholderSVG),
		Source:      SourceSynthetic,
	}
}
