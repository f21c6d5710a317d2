package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Options{BaseURL: baseURL, Network: "eth", Timeout: time.Second}, zerolog.Nop())
}

func TestResolveRawAddress(t *testing.T) {
	addr := "0xAbCd000000000000000000000000000000000001"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/networks/eth/tokens/"+strings.ToLower(addr)) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"attributes":{"address":"` + addr + `","symbol":"ABC","name":"Alphabet Coin","price_usd":"1.25","volume_usd_24h":"90000"}}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.Resolve(context.Background(), addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Address != addr || got.Symbol != "ABC" {
		t.Fatalf("unexpected candidate %+v", got)
	}
	if got.PriceUSD == nil || got.Volume24h == nil {
		t.Fatal("market snapshot must be populated when the source reports it")
	}
}

func TestResolveHandleViaSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/tokens" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("query") != "pepe" {
			t.Errorf("unexpected query %q", r.URL.Query().Get("query"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"attributes":{"address":"0xBBBB000000000000000000000000000000000002","symbol":"PEPE","name":"Pepe"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.Resolve(context.Background(), "pepe")
	if err != nil {
		t.Fatalf("resolve handle: %v", err)
	}
	if got.Symbol != "PEPE" {
		t.Fatalf("unexpected candidate %+v", got)
	}
	// Missing metrics stay nil, not zero.
	if got.PriceUSD != nil || got.Volume24h != nil {
		t.Fatalf("absent metrics must be nil, got %+v", got)
	}
}

func TestResolveFailureIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.Resolve(context.Background(), "unknowncoin"); err == nil {
		t.Fatal("unresolvable handle must return an error")
	}
}

func TestTrendingSkipsEntriesWithoutAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/networks/eth/trending_tokens" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"attributes": map[string]string{"address": "0xAAAA000000000000000000000000000000000001", "symbol": "ONE"}},
				{"attributes": map[string]string{"symbol": "NOADDR"}},
				{"attributes": map[string]string{"address": "0xBBBB000000000000000000000000000000000002", "symbol": "TWO"}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.Trending(context.Background())
	if err != nil {
		t.Fatalf("trending: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two usable candidates, got %+v", got)
	}
}
