package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

func testHost(t *testing.T, reg cache.Registry, network http.RoundTripper) *Host {
	t.Helper()
	logger := zerolog.Nop()
	h, err := NewHost(HostConfig{
		Registry:  reg,
		OriginURL: testOriginURL(),
		Transport: network,
		Logger:    &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func register(t *testing.T, h *Host, version string) {
	t.Helper()
	if err := h.Register(context.Background(), Config{Version: version}); err != nil {
		t.Fatalf("Register %s: %v", version, err)
	}
}

func serve(h *Host, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vv := range header {
		req.Header[k] = vv
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHostServeHTTP(t *testing.T) {
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, cache.NewMemRegistry(), network)
	register(t, h, "v1")
	network.reset()

	rec := serve(h, "GET", "/mycontact.vcf", nil)
	if rec.Code != 200 || rec.Body.String() != "BEGIN:VCARD" {
		t.Fatalf("Got %d %q", rec.Code, rec.Body.String())
	}
	if cs := rec.Header().Get(cachestatus.HeaderName); cs != "OfflineCache; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}

	rec = serve(h, "GET", "/icons/unknown.png", nil)
	if rec.Code != 404 {
		t.Fatalf("Got %d", rec.Code)
	}
	if cs := rec.Header().Get(cachestatus.HeaderName); cs != "OfflineCache; fwd=uri-miss" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if req := network.lastCall(); req == nil || req.URL.String() != "https://card.example/icons/unknown.png" {
		t.Fatalf("Origin request was %v", req)
	}
}

func TestHostForwardProxy(t *testing.T) {
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, cache.NewMemRegistry(), network)
	register(t, h, "v1")

	rec := serve(h, "GET", "https://api.qrserver.com/v1/create-qr-code/?data=x", nil)
	if rec.Code != 200 || rec.Body.String() != "external" {
		t.Fatalf("Got %d %q", rec.Code, rec.Body.String())
	}
	if cs := rec.Header().Get(cachestatus.HeaderName); cs != "OfflineCache; fwd=bypass; detail=deny-list" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestHostOfflinePage(t *testing.T) {
	network := newFakeNetwork(defaultAssets())
	network.setOffline(true)
	h := testHost(t, cache.NewMemRegistry(), network)
	register(t, h, "v1")

	rec := serve(h, "GET", "/", navigate)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type is %q", ct)
	}

	rec = serve(h, "GET", "/style.css", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Got %d", rec.Code)
	}
}

func TestHostWithoutWorker(t *testing.T) {
	reg := &countingRegistry{Registry: cache.NewMemRegistry()}
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, reg, network)

	rec := serve(h, "GET", "/", nil)
	if rec.Code != 200 || rec.Body.String() != "<html>card</html>" {
		t.Fatalf("Got %d %q", rec.Code, rec.Body.String())
	}
	if calls := reg.calls.Load(); calls != 0 {
		t.Fatalf("Registry was used %d times", calls)
	}
}

func TestHostVersionBump(t *testing.T) {
	ctx := context.Background()
	reg := cache.NewMemRegistry()
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, reg, network)
	register(t, h, "v2")

	network.set("/", "<html>new card</html>")
	if rec := serve(h, "GET", "/", nil); rec.Body.String() != "<html>card</html>" {
		t.Fatalf("v2 served %q", rec.Body.String())
	}

	register(t, h, "v3")
	if v := h.Active().Version(); v != "v3" {
		t.Fatalf("Active version is %s", v)
	}
	names, _ := reg.Names(ctx)
	if len(names) != 1 || names[0] != "vc-cache-v3" {
		t.Fatalf("Stores: %v", names)
	}

	network.setOffline(true)
	for i := 0; i < 2; i++ {
		if rec := serve(h, "GET", "/", navigate); rec.Body.String() != "<html>new card</html>" {
			t.Fatalf("v3 served %q", rec.Body.String())
		}
	}
}

func TestHostInstallFailureKeepsWorker(t *testing.T) {
	reg := &countingRegistry{Registry: cache.NewMemRegistry(), failOpen: map[string]bool{"vc-cache-v2": true}}
	h := testHost(t, reg, newFakeNetwork(defaultAssets()))
	register(t, h, "v1")

	if err := h.Register(context.Background(), Config{Version: "v2"}); err == nil {
		t.Fatalf("Expected install error")
	}
	if v := h.Active().Version(); v != "v1" {
		t.Fatalf("Active version is %s", v)
	}
	if has, _ := reg.Has(context.Background(), "vc-cache-v1"); !has {
		t.Fatalf("Store of the current worker was deleted")
	}
}

func TestHostRoundTrip(t *testing.T) {
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, cache.NewMemRegistry(), network)
	register(t, h, "v1")
	network.setOffline(true)

	client := &http.Client{Transport: h}
	res, err := client.Get("https://card.example/manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != `{"name":"card"}` {
		t.Fatalf("Body is %q", body)
	}
	if res.Header.Get(cachestatus.HeaderName) != "" {
		t.Fatalf("RoundTrip must not modify stored responses")
	}
}

// blockingRegistry holds every Put until release is closed.
type blockingRegistry struct {
	cache.Registry
	release chan struct{}
}

type blockingStore struct {
	cache.Store
	release chan struct{}
}

func (r *blockingRegistry) Open(ctx context.Context, name string) (cache.Store, error) {
	s, err := r.Registry.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &blockingStore{Store: s, release: r.release}, nil
}

func (r *blockingRegistry) Lookup(ctx context.Context, name string) (cache.Store, bool, error) {
	s, ok, err := r.Registry.Lookup(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &blockingStore{Store: s, release: r.release}, true, nil
}

func (s *blockingStore) Put(ctx context.Context, key string, value []byte) error {
	<-s.release
	return s.Store.Put(ctx, key, value)
}

func TestHostCloseWaitsForWrites(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemRegistry()
	if _, err := mem.Open(ctx, "vc-cache-v1"); err != nil {
		t.Fatal(err)
	}
	reg := &blockingRegistry{Registry: mem, release: make(chan struct{})}
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, reg, network)
	w, err := New(testConfig(reg, network, "v1"))
	if err != nil {
		t.Fatal(err)
	}
	h.Claim(ctx, w)

	if rec := serve(h, "GET", "/MyPhoto.jpg", nil); rec.Body.String() != "photo" {
		t.Fatalf("Got %q before the write completed", rec.Body.String())
	}

	closed := make(chan error)
	go func() {
		closed <- h.Close(ctx)
	}()
	select {
	case <-closed:
		t.Fatalf("Close returned with a write pending")
	case <-time.After(50 * time.Millisecond):
	}
	close(reg.release)
	if err := <-closed; err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestHostCloseTimeout(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemRegistry()
	mem.Open(ctx, "vc-cache-v1")
	reg := &blockingRegistry{Registry: mem, release: make(chan struct{})}
	defer close(reg.release)
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, reg, network)
	w, _ := New(testConfig(reg, network, "v1"))
	h.Claim(ctx, w)
	serve(h, "GET", "/MyPhoto.jpg", nil)

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := h.Close(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Expected deadline error, got %v", err)
	}
}

func TestHostAfterClose(t *testing.T) {
	mem := cache.NewMemRegistry()
	reg := &countingRegistry{Registry: mem}
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, reg, network)
	register(t, h, "v1")
	if err := h.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg.calls.Store(0)
	network.reset()

	rec := serve(h, "GET", "/MyPhoto.jpg", nil)
	if rec.Code != 200 || rec.Body.String() != "photo" {
		t.Fatalf("Got %d %q", rec.Code, rec.Body.String())
	}
	if cs := rec.Header().Get(cachestatus.HeaderName); cs != "OfflineCache; fwd=bypass" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	client := &http.Client{Transport: h}
	res, err := client.Get("https://card.example/mycontact.vcf")
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "BEGIN:VCARD" {
		t.Fatalf("Body is %q", body)
	}
	if calls := reg.calls.Load(); calls != 0 {
		t.Fatalf("Closed registry was used %d times", calls)
	}
	if calls := network.callCount(); calls != 2 {
		t.Fatalf("Expected 2 network calls, got %d", calls)
	}
}

func TestHostCloseDuringFetches(t *testing.T) {
	network := newFakeNetwork(defaultAssets())
	h := testHost(t, cache.NewMemRegistry(), network)
	register(t, h, "v1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if rec := serve(h, "GET", "/MyPhoto.jpg", nil); rec.Code != 200 {
					t.Errorf("Got %d", rec.Code)
					return
				}
			}
		}()
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
}

func TestHostStatus(t *testing.T) {
	h := testHost(t, cache.NewMemRegistry(), newFakeNetwork(defaultAssets()))
	status, err := h.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Version != "" || len(status.Stores) != 0 {
		t.Fatalf("Status before register: %+v", status)
	}

	register(t, h, "v1")
	status, err = h.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Version != "v1" || status.Store != "vc-cache-v1" || len(status.Keys) != len(DefaultManifest) {
		t.Fatalf("Status after register: %+v", status)
	}
}

func TestUpstreamTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Host + r.URL.Path))
	}))
	defer srv.Close()
	addr, _ := url.Parse(srv.URL)

	origin, _ := url.Parse("http://card.example/")
	network := newFakeNetwork(nil)
	transport := NewUpstreamTransport(*origin, addr.Host, "", network)

	req, _ := http.NewRequest("GET", "http://card.example/mycontact.vcf", nil)
	res, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "card.example/mycontact.vcf" {
		t.Fatalf("Upstream saw %q", body)
	}
	if res.Request != req {
		t.Fatalf("Response does not refer to the original request")
	}

	req, _ = http.NewRequest("GET", "https://cdn.example/font.woff2", nil)
	res, err = transport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if network.callCount() != 1 {
		t.Fatalf("Other origins must use the network")
	}
}
