package offlinecache

import (
	"io"
	"mime"
	"net/http"
	"strings"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// responseType classifies a network response the way a page would see it.
func responseType(keyer cachekey.CacheKeyer, req *http.Request, res *http.Response) serializer.ResponseType {
	if keyer.SameOrigin(req.URL) {
		return serializer.TypeBasic
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		return serializer.TypeCORS
	}
	return serializer.TypeOpaque
}

// isNavigation reports whether the request loads a top-level page.
// Fetch metadata headers are trusted when present; otherwise any GET that
// accepts HTML counts.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	for _, accept := range strings.Split(r.Header.Get("Accept"), ",") {
		if mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(accept)); err == nil && mediaType == "text/html" {
			return true
		}
	}
	return false
}

// send writes res to the client, adding the Cache-Status header.
func send(w http.ResponseWriter, res *http.Response, cs cachestatus.CacheStatus) (int64, error) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Add(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return 0, nil
	}
	return io.Copy(w, res.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page has not been saved for offline use yet. Reconnect and try again.</p></body>
</html>
`

// sendOffline answers a navigation that has neither network nor fallback.
func sendOffline(w http.ResponseWriter, cs cachestatus.CacheStatus) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Add(cachestatus.HeaderName, cs.String())
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, offlinePage)
}
