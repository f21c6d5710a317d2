package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func description(address string) string {
	return fmt.Sprintf("Acquire token\n\nAddress: %s\nSymbol: TST\nAmount: 0.5 ETH\n", address)
}

func indexServer(t *testing.T, proposals []indexProposal, hits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/daos/testdao/proposals") {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(indexPage{Proposals: proposals})
	}))
}

func newTestOracle(baseURL string) *Oracle {
	return NewOracle(Options{
		BaseURL:  baseURL,
		DAOID:    "testdao",
		PageSize: 50,
		Timeout:  time.Second,
	}, LabeledCodec{}, zerolog.Nop())
}

func TestWasRecentlyProposedWindow(t *testing.T) {
	addr := "0xAA00000000000000000000000000000000000011"
	srv := indexServer(t, []indexProposal{
		{
			ID:          "7",
			Title:       "Acquire TST",
			Description: description(addr),
			CreatedAt:   time.Now().UTC().Add(-2 * time.Hour),
			TxHash:      "0xabc",
		},
	}, nil)
	defer srv.Close()

	oracle := newTestOracle(srv.URL)
	ctx := context.Background()

	entry := oracle.WasRecentlyProposed(ctx, strings.ToLower(addr), 24*time.Hour)
	if entry == nil {
		t.Fatal("entry 2h old must match a 24h window")
	}
	if entry.ProposalID != "7" {
		t.Fatalf("unexpected proposal id %q", entry.ProposalID)
	}

	if entry := oracle.WasRecentlyProposed(ctx, addr, time.Hour); entry != nil {
		t.Fatalf("entry 2h old must not match a 1h window, got %+v", entry)
	}
}

func TestRecentProposalsShortCircuitsOnOldEntry(t *testing.T) {
	now := time.Now().UTC()
	var hits int64
	srv := indexServer(t, []indexProposal{
		{ID: "3", Description: description("0xAA00000000000000000000000000000000000001"), CreatedAt: now.Add(-time.Hour)},
		{ID: "2", Description: description("0xAA00000000000000000000000000000000000002"), CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "1", Description: description("0xAA00000000000000000000000000000000000003"), CreatedAt: now.Add(-96 * time.Hour)},
	}, &hits)
	defer srv.Close()

	oracle := newTestOracle(srv.URL)
	entries := oracle.RecentProposals(context.Background(), 24*time.Hour)

	if len(entries) != 1 || entries[0].ProposalID != "3" {
		t.Fatalf("expected only the in-window entry, got %+v", entries)
	}
	// The first out-of-window entry stops the scan; no second page fetch.
	if hits != 1 {
		t.Fatalf("expected a single index request, got %d", hits)
	}
}

func TestRecentProposalsSkipsEntriesWithoutAddress(t *testing.T) {
	now := time.Now().UTC()
	srv := indexServer(t, []indexProposal{
		{ID: "2", Description: "Routine parameter change, no asset involved", CreatedAt: now.Add(-time.Hour)},
		{ID: "1", Description: description("0xAA00000000000000000000000000000000000001"), CreatedAt: now.Add(-2 * time.Hour)},
	}, nil)
	defer srv.Close()

	oracle := newTestOracle(srv.URL)
	entries := oracle.RecentProposals(context.Background(), 24*time.Hour)
	if len(entries) != 1 || entries[0].ProposalID != "1" {
		t.Fatalf("unparseable proposals must be skipped, got %+v", entries)
	}
}

func TestFilterUnproposedPartitionsInput(t *testing.T) {
	now := time.Now().UTC()
	proposed := "0xAA00000000000000000000000000000000000001"
	srv := indexServer(t, []indexProposal{
		{ID: "9", Description: description(proposed), CreatedAt: now.Add(-3 * time.Hour)},
	}, nil)
	defer srv.Close()

	oracle := newTestOracle(srv.URL)
	input := []string{
		strings.ToUpper(proposed),
		"0xBB00000000000000000000000000000000000002",
		"0xCC00000000000000000000000000000000000003",
	}

	result := oracle.FilterUnproposed(context.Background(), input, 24*time.Hour)

	if len(result.Allowed)+len(result.Excluded) != len(input) {
		t.Fatalf("partition must cover the whole input: %+v", result)
	}
	if len(result.Excluded) != 1 {
		t.Fatalf("expected one exclusion, got %+v", result.Excluded)
	}
	exc := result.Excluded[0]
	if exc.ProposalID != "9" {
		t.Fatalf("exclusion must carry the matching proposal id, got %+v", exc)
	}
	if exc.ElapsedHours < 2.9 || exc.ElapsedHours > 3.1 {
		t.Fatalf("elapsed hours should be ~3, got %f", exc.ElapsedHours)
	}
}

func TestFilterUnproposedAllowsEverythingOnIndexFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	oracle := newTestOracle(srv.URL)
	input := []string{
		"0xAA00000000000000000000000000000000000001",
		"0xBB00000000000000000000000000000000000002",
	}

	result := oracle.FilterUnproposed(context.Background(), input, 24*time.Hour)
	if len(result.Allowed) != len(input) || len(result.Excluded) != 0 {
		t.Fatalf("index failure must degrade to allow-all, got %+v", result)
	}
}
