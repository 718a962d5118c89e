package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"echo-proxy-go/internal/client"
	"echo-proxy-go/internal/config"
	"echo-proxy-go/internal/metrics"
	"echo-proxy-go/internal/model"
	"echo-proxy-go/internal/rewrite"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			UserAgent:       "echo-proxy-test/1.0",
			ForwardHeaders:  []string{"Accept", "accept-language"},
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config, m *metrics.Metrics) *ProxyService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rw, err := rewrite.NewRewriter(rewrite.DefaultRules, logger)
	if err != nil {
		t.Fatalf("NewRewriter: %v", err)
	}
	uc := client.NewUpstreamClient(cfg, logger, m)
	return NewProxyService(uc, rw, cfg, logger, m)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func readBody(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

func TestSimplifyMediaType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"text/html", "text/html"},
		{"text/html; charset=utf-8", "text/html"},
		{"  Text/CSS ;charset=UTF-8", "text/css"},
		{"application/octet-stream", "application/octet-stream"},
		{"", ""},
		{";charset=utf-8", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SimplifyMediaType(tt.in); got != tt.want {
				t.Errorf("SimplifyMediaType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		mediaType string
		want      Strategy
	}{
		{"text/html", StrategyHTML},
		{"text/css", StrategyCSS},
		{"application/xhtml+xml", StrategyPassthrough},
		{"image/png", StrategyPassthrough},
		{"text/plain", StrategyPassthrough},
		{"", StrategyPassthrough},
	}

	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			if got := Classify(tt.mediaType); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.mediaType, got, tt.want)
			}
		})
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		query   string
		want    string
		wantErr error
	}{
		{name: "root", path: "/", wantErr: ErrEmptyTarget},
		{name: "empty", path: "", wantErr: ErrEmptyTarget},
		{name: "not a url", path: "/not-a-url", wantErr: ErrInvalidTarget},
		{name: "no host", path: "/mailto:someone@example.com", wantErr: ErrInvalidTarget},
		{name: "missing scheme", path: "//example.com/a", wantErr: ErrInvalidTarget},
		{name: "malformed", path: "/http://[::1", wantErr: ErrInvalidTarget},
		{name: "absolute", path: "/https://example.com/a/b.html", want: "https://example.com/a/b.html"},
		{name: "escaped path kept", path: "/https://example.com/a%20b", want: "https://example.com/a%20b"},
		{name: "query appended", path: "/https://example.com/search", query: "q=go&page=2", want: "https://example.com/search?q=go&page=2"},
		{name: "host only", path: "/http://example.com", want: "http://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.path, tt.query)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseTarget(%q) error = %v, want %v", tt.path, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) error = %v", tt.path, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseTarget(%q) = %q, want %q", tt.path, got.String(), tt.want)
			}
		})
	}
}

func TestCSSBase(t *testing.T) {
	target := mustParse(t, "https://example.com/css/main.css")

	tests := []struct {
		name    string
		referer string
		want    string
	}{
		{"no referer", "", "https://example.com/css/main.css"},
		{"absolute referer", "https://example.com/pages/index.html", "https://example.com/pages/index.html"},
		{"relative referer", "/pages/index.html", "https://example.com/css/main.css"},
		{"malformed referer", "http://[::1", "https://example.com/css/main.css"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cssBase(tt.referer, target); got.String() != tt.want {
				t.Errorf("cssBase(%q) = %q, want %q", tt.referer, got.String(), tt.want)
			}
		})
	}
}

func TestFilterRequestHeaders(t *testing.T) {
	s := newTestService(t, testConfig(), nil)
	src := http.Header{
		"Accept":          {"text/html"},
		"Accept-Language": {"en", "de"},
		"Accept-Encoding": {"zstd, br;q=0.9", "gzip;q=0.5, *"},
		"Authorization":   {"Bearer secret"},
		"Cookie":          {"session=abc"},
		"Connection":      {"keep-alive"},
		"User-Agent":      {"browser/1.0"},
		"X-Forwarded-For": {"1.2.3.4"},
	}

	dst := s.filterRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Accept-Language forwarded", "Accept-Language", 2},
		{"Accept-Encoding narrowed", "Accept-Encoding", 1},
		{"Authorization stripped", "Authorization", 0},
		{"Cookie stripped", "Cookie", 0},
		{"Connection stripped", "Connection", 0},
		{"X-Forwarded-For stripped", "X-Forwarded-For", 0},
		{"User-Agent replaced", "User-Agent", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if ua := dst.Get("User-Agent"); ua != "echo-proxy-test/1.0" {
		t.Errorf("User-Agent = %q, want %q", ua, "echo-proxy-test/1.0")
	}
	if ae := dst.Get("Accept-Encoding"); ae != "br;q=0.9, gzip;q=0.5" {
		t.Errorf("Accept-Encoding = %q, want %q", ae, "br;q=0.9, gzip;q=0.5")
	}
}

func TestAcceptEncoding(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"absent", nil, ""},
		{"gzip", []string{"gzip"}, "gzip"},
		{"browser default", []string{"gzip, deflate, br, zstd"}, "gzip, deflate, br"},
		{"params kept", []string{"GZIP;q=1.0, identity; q=0.5"}, "GZIP;q=1.0, identity; q=0.5"},
		{"only unsupported", []string{"zstd, compress, *"}, ""},
		{"empty entries", []string{" , br ,"}, "br"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := acceptEncoding(tt.values); got != tt.want {
				t.Errorf("acceptEncoding(%q) = %q, want %q", tt.values, got, tt.want)
			}
		})
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"text/html"},
		"Content-Length":    {"42"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"keep-alive, X-Hop"},
		"X-Hop":             {"1"},
		"Keep-Alive":        {"timeout=5"},
		"Set-Cookie":        {"session=abc"},
		"Cache-Control":     {"no-cache"},
	}

	tests := []struct {
		name     string
		strategy Strategy
		key      string
		wantLen  int
	}{
		{"html keeps Content-Type", StrategyHTML, "Content-Type", 1},
		{"html drops Content-Length", StrategyHTML, "Content-Length", 0},
		{"html keeps Set-Cookie", StrategyHTML, "Set-Cookie", 1},
		{"css drops Content-Length", StrategyCSS, "Content-Length", 0},
		{"passthrough keeps Content-Length", StrategyPassthrough, "Content-Length", 1},
		{"passthrough keeps Cache-Control", StrategyPassthrough, "Cache-Control", 1},
		{"Transfer-Encoding stripped", StrategyPassthrough, "Transfer-Encoding", 0},
		{"Connection stripped", StrategyPassthrough, "Connection", 0},
		{"Connection-listed header stripped", StrategyPassthrough, "X-Hop", 0},
		{"Keep-Alive stripped", StrategyPassthrough, "Keep-Alive", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filterResponseHeaders(src, tt.strategy)
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if src.Get("Content-Length") != "42" {
		t.Error("filterResponseHeaders modified its input")
	}
}

func TestForward_HTML(t *testing.T) {
	const page = `<html><head><link rel="stylesheet" href="css/main.css"></head>` +
		`<body><a href="/about?x=1">About</a><img src="data:image/png;base64,AAAA"></body></html>`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "echo-proxy-test/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(page)))
		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, page)
	}))
	defer upstream.Close()

	m := metrics.New()
	s := newTestService(t, testConfig(), m)
	target := mustParse(t, upstream.URL+"/docs/index.html")

	resp, err := s.Forward(&model.ProxyRequest{Ctx: context.Background(), Target: target, Header: http.Header{}})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	body := readBody(t, resp)
	want := `<html><head><link rel="stylesheet" href="/` + upstream.URL + `/docs/css/main.css"></head>` +
		`<body><a href="/` + upstream.URL + `/about?x=1">About</a><img src="data:image/png;base64,AAAA"></body></html>`
	if body != want {
		t.Errorf("body =\n%s\nwant\n%s", body, want)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.MediaType != "text/html" {
		t.Errorf("MediaType = %q, want %q", resp.MediaType, "text/html")
	}
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", got, len(want))
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header X-Upstream was not forwarded")
	}
}

func TestForward_CSSUsesReferer(t *testing.T) {
	const sheet = `body { background: url("../img/x.png"); } .a { background: url(%zz); }`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, sheet)
	}))
	defer upstream.Close()

	s := newTestService(t, testConfig(), nil)

	tests := []struct {
		name    string
		referer string
		want    string
	}{
		{
			name: "target as base",
			want: `body { background: url(` + upstream.URL + `/static/img/x.png); } .a { background: url(%zz); }`,
		},
		{
			name:    "referer as base",
			referer: "https://example.com/css/main.css",
			want:    `body { background: url(https://example.com/img/x.png); } .a { background: url(%zz); }`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.referer != "" {
				header.Set("Referer", tt.referer)
			}
			target := mustParse(t, upstream.URL+"/static/css/site.css")

			resp, err := s.Forward(&model.ProxyRequest{Ctx: context.Background(), Target: target, Header: header})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			if body := readBody(t, resp); body != tt.want {
				t.Errorf("body = %q, want %q", body, tt.want)
			}
		})
	}
}

func TestForward_Passthrough(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0xff, 'a', '<'}, 1024)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	s := newTestService(t, testConfig(), nil)
	resp, err := s.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, upstream.URL+"/logo.png"),
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusPartialContent)
	}
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want %d", got, len(payload))
	}
	if body := readBody(t, resp); body != string(payload) {
		t.Error("pass-through body differs from upstream payload")
	}
}

func TestForward_PassthroughKeepsContentEncoding(t *testing.T) {
	script := strings.Repeat("console.log('echo proxy');\n", 200)
	var wire bytes.Buffer
	zw := gzip.NewWriter(&wire)
	_, _ = io.WriteString(zw, script)
	_ = zw.Close()

	tests := []struct {
		name           string
		acceptEncoding string
		wantSent       string
		wantEncoding   string
		wantBody       []byte
	}{
		{"client accepts gzip", "gzip, zstd", "gzip", "gzip", wire.Bytes()},
		{"client sends none", "", "", "", []byte(script)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sawAcceptEncoding string
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sawAcceptEncoding = r.Header.Get("Accept-Encoding")
				w.Header().Set("Content-Type", "application/javascript")
				if strings.Contains(sawAcceptEncoding, "gzip") {
					w.Header().Set("Content-Encoding", "gzip")
					w.Header().Set("Content-Length", strconv.Itoa(wire.Len()))
					_, _ = w.Write(wire.Bytes())
					return
				}
				w.Header().Set("Content-Length", strconv.Itoa(len(script)))
				_, _ = io.WriteString(w, script)
			}))
			defer upstream.Close()

			header := http.Header{}
			if tt.acceptEncoding != "" {
				header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			s := newTestService(t, testConfig(), nil)
			resp, err := s.Forward(&model.ProxyRequest{
				Ctx:    context.Background(),
				Target: mustParse(t, upstream.URL+"/app.js"),
				Header: header,
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}

			if sawAcceptEncoding != tt.wantSent {
				t.Errorf("upstream Accept-Encoding = %q, want %q", sawAcceptEncoding, tt.wantSent)
			}
			if ce := resp.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Errorf("Content-Encoding = %q, want %q", ce, tt.wantEncoding)
			}
			if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(tt.wantBody)) {
				t.Errorf("Content-Length = %q, want %d", cl, len(tt.wantBody))
			}
			if body := readBody(t, resp); body != string(tt.wantBody) {
				t.Errorf("body differs from upstream wire bytes (got %d bytes, want %d)", len(body), len(tt.wantBody))
			}
		})
	}
}

func TestForward_InvalidUTF8(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<p>caf\xe9</p>"))
	}))
	defer upstream.Close()

	s := newTestService(t, testConfig(), nil)
	_, err := s.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, upstream.URL),
		Header: http.Header{},
	})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Forward() error = %v, want ErrDecode", err)
	}
}

func TestForward_CompressedBodies(t *testing.T) {
	const page = `<a href="next.html">next</a>`

	brotliBody := func() []byte {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		_, _ = io.WriteString(w, page)
		_ = w.Close()
		return buf.Bytes()
	}
	gzipBody := func() []byte {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, _ = io.WriteString(w, page)
		_ = w.Close()
		return buf.Bytes()
	}
	deflateBody := func() []byte {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, _ = io.WriteString(w, page)
		_ = w.Close()
		return buf.Bytes()
	}

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"gzip", "gzip", gzipBody()},
		{"brotli", "br", brotliBody()},
		{"deflate", "deflate", deflateBody()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Accept-Encoding"); got != tt.encoding {
					t.Errorf("upstream Accept-Encoding = %q, want %q", got, tt.encoding)
				}
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", tt.encoding)
				_, _ = w.Write(tt.body)
			}))
			defer upstream.Close()

			s := newTestService(t, testConfig(), nil)
			resp, err := s.Forward(&model.ProxyRequest{
				Ctx:    context.Background(),
				Target: mustParse(t, upstream.URL+"/a/index.html"),
				Header: http.Header{"Accept-Encoding": {tt.encoding}},
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}

			want := `<a href="/` + upstream.URL + `/a/next.html">next</a>`
			if body := readBody(t, resp); body != want {
				t.Errorf("body = %q, want %q", body, want)
			}
			if ce := resp.Header.Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding = %q, want it removed", ce)
			}
		})
	}
}

func TestForward_FetchError(t *testing.T) {
	s := newTestService(t, testConfig(), nil)
	_, err := s.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, "http://127.0.0.1:1/unreachable"),
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
	if errors.Is(err, ErrDecode) || errors.Is(err, ErrRewrite) {
		t.Errorf("fetch failure classified as body error: %v", err)
	}
}

func TestForward_RewriteRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "../login?next=%2Fhome", http.StatusFound)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Rewrite.RewriteRedirects = true
	s := newTestService(t, cfg, nil)

	resp, err := s.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, upstream.URL+"/app/home"),
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	want := "/" + upstream.URL + "/login?next=%2Fhome"
	if got := resp.Header.Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestForward_RecordsMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, `a { background: url(x.png) } b { background: url(y.png) }`)
	}))
	defer upstream.Close()

	m := metrics.New()
	s := newTestService(t, testConfig(), m)
	resp, err := s.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, upstream.URL+"/site.css"),
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = readBody(t, resp)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "echo_proxy_rewrite_references_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["strategy"] == "css" && labels["outcome"] == "rewritten" {
				if v := metric.GetCounter().GetValue(); v != 2 {
					t.Errorf("rewritten css references = %v, want 2", v)
				}
				return
			}
		}
	}
	t.Error("expected echo_proxy_rewrite_references_total{strategy=css,outcome=rewritten}")
}

func TestDecodeReader(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		wantErr  bool
	}{
		{"none", "", false},
		{"identity", "identity", false},
		{"unsupported", "compress", true},
		{"too many layers", "br, br, br, br", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeReader(strings.NewReader("plain"), tt.encoding)
			if tt.wantErr {
				if !errors.Is(err, ErrDecode) {
					t.Errorf("decodeReader(%q) error = %v, want ErrDecode", tt.encoding, err)
				}
				return
			}
			if err != nil {
				t.Errorf("decodeReader(%q) error = %v", tt.encoding, err)
			}
		})
	}
}

func TestReadDecoded_BrokenGzip(t *testing.T) {
	_, err := readDecoded(strings.NewReader("not gzip at all"), "gzip")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("readDecoded() error = %v, want ErrDecode", err)
	}
}
