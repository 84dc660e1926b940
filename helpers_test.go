package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const testOrigin = "https://card.example/"

var errUnreachable = errors.New("network unreachable")

// fakeNetwork serves assets of the test origin by path and a fixed body for
// every other host.
type fakeNetwork struct {
	mutex   sync.Mutex
	assets  map[string]string
	failing map[string]bool
	offline bool
	calls   []*http.Request
}

func newFakeNetwork(assets map[string]string) *fakeNetwork {
	return &fakeNetwork{assets: assets, failing: map[string]bool{}}
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = append(n.calls, req)
	if n.offline || n.failing[req.URL.Path] {
		return nil, errUnreachable
	}

	status, body := http.StatusOK, "external"
	header := http.Header{"Content-Type": {"text/plain"}}
	if req.URL.Host == "card.example" {
		var ok bool
		if body, ok = n.assets[req.URL.Path]; !ok {
			status, body = http.StatusNotFound, "not found"
		}
	} else if req.URL.Host == "cors.example" {
		header.Set("Access-Control-Allow-Origin", "*")
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) set(path, body string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.assets[path] = body
}

func (n *fakeNetwork) fail(path string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.failing[path] = true
}

func (n *fakeNetwork) callCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) reset() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = nil
}

func (n *fakeNetwork) lastCall() *http.Request {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if len(n.calls) == 0 {
		return nil
	}
	return n.calls[len(n.calls)-1]
}

// countingRegistry counts every registry call.
type countingRegistry struct {
	cache.Registry
	calls  atomic.Int32
	opened atomic.Int32
	// Open and Lookup fail for these store names
	failOpen map[string]bool
	// Delete fails for these store names
	failDelete map[string]bool
	// Put fails on every store handed out
	failPut error
}

func (r *countingRegistry) Open(ctx context.Context, name string) (cache.Store, error) {
	r.calls.Add(1)
	r.opened.Add(1)
	if r.failOpen[name] {
		return nil, errors.New("quota exceeded")
	}
	s, err := r.Registry.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.wrap(s), nil
}

func (r *countingRegistry) Lookup(ctx context.Context, name string) (cache.Store, bool, error) {
	r.calls.Add(1)
	if r.failOpen[name] {
		return nil, false, errors.New("quota exceeded")
	}
	s, ok, err := r.Registry.Lookup(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	return r.wrap(s), true, nil
}

func (r *countingRegistry) wrap(s cache.Store) cache.Store {
	if r.failPut == nil {
		return s
	}
	return &failingStore{Store: s, err: r.failPut}
}

type failingStore struct {
	cache.Store
	err error
}

func (s *failingStore) Put(context.Context, string, []byte) error {
	return s.err
}

func (r *countingRegistry) Has(ctx context.Context, name string) (bool, error) {
	r.calls.Add(1)
	return r.Registry.Has(ctx, name)
}

func (r *countingRegistry) Names(ctx context.Context) ([]string, error) {
	r.calls.Add(1)
	return r.Registry.Names(ctx)
}

func (r *countingRegistry) Delete(ctx context.Context, name string) (bool, error) {
	r.calls.Add(1)
	if r.failDelete[name] {
		return false, errors.New("store busy")
	}
	return r.Registry.Delete(ctx, name)
}

// roundTripFunc answers requests with a function.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func testOriginURL() url.URL {
	u, _ := url.Parse(testOrigin)
	return *u
}

func testConfig(reg cache.Registry, network http.RoundTripper, version string) Config {
	logger := zerolog.Nop()
	return Config{
		Registry:  reg,
		OriginURL: testOriginURL(),
		Version:   version,
		Transport: network,
		Logger:    &logger,
	}
}

func testWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	w, err := New(config)
	if err != nil {
		t.Fatalf("Could not create worker: %v", err)
	}
	return w
}

func defaultAssets() map[string]string {
	return map[string]string{
		"/":                   "<html>card</html>",
		"/manifest.json":      `{"name":"card"}`,
		"/mycontact.vcf":      "BEGIN:VCARD",
		"/icons/icon-192.png": "icon-192",
		"/icons/icon-512.png": "icon-512",
		"/MyPhoto.jpg":        "photo",
		"/offline.html":       "<html>offline</html>",
	}
}

func storeKeys(t *testing.T, reg cache.Registry, name string) []string {
	t.Helper()
	store, err := reg.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func storedBody(t *testing.T, reg cache.Registry, name, key string) (int, string) {
	t.Helper()
	store, err := reg.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	b, ok, err := store.Match(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("No entry for %s: %v", key, err)
	}
	entry, err := serializer.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	res, err := entry.Replay(nil)
	if err != nil {
		t.Fatal(err)
	}
	return res.StatusCode, readBody(t, res)
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func fetch(t *testing.T, w *Worker, method, target string, header http.Header) (*FetchEvent, *http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, vv := range header {
		req.Header[k] = vv
	}
	ev := NewFetchEvent(req)
	res, err := w.HandleFetch(ev)
	if res != nil && res.Body != nil {
		// write-through finishes once the body is consumed
		body := readBody(t, res)
		res.Body = io.NopCloser(strings.NewReader(body))
	}
	if werr := ev.Wait(); werr != nil {
		t.Fatalf("Fetch event failed: %v", werr)
	}
	return ev, res, err
}

var navigate = http.Header{"Sec-Fetch-Mode": {"navigate"}, "Sec-Fetch-Dest": {"document"}}
