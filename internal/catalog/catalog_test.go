package catalog

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"climate-exchange/internal/db"
	"climate-exchange/internal/model"
)

const sample = `
markets:
  - slug: global-temp-2026
    title: 2026 anomaly above 1.5C?
    category: temperature
    tick_size: "0.05"
    yes_price: "0.40"
    closes_at: 2027-01-31T00:00:00Z
  - slug: eu-ets-100
    title: EU ETS above EUR 100?
    category: emissions
`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(c.Markets))
	}
	m, err := c.Markets[0].Market()
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if !m.TickSize.Equal(decimal.RequireFromString("0.05")) || !m.YesPrice.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("unexpected prices %+v", m)
	}
	if m.ClosesAt == nil || m.ClosesAt.Year() != 2027 {
		t.Fatalf("closes_at not parsed: %v", m.ClosesAt)
	}
}

func TestParseEmpty(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Markets) != 0 {
		t.Fatalf("expected no markets, got %d", len(c.Markets))
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "markets:\n  - slug: a\n    title: A\n    category: energy\n    colour: red\n",
		"bad slug":       "markets:\n  - slug: Not A Slug\n    title: A\n    category: energy\n",
		"bad category":   "markets:\n  - slug: a\n    title: A\n    category: weather\n",
		"missing title":  "markets:\n  - slug: a\n    category: energy\n",
		"yes price 1":    "markets:\n  - slug: a\n    title: A\n    category: energy\n    yes_price: \"1\"\n",
		"zero tick":      "markets:\n  - slug: a\n    title: A\n    category: energy\n    tick_size: \"0\"\n",
		"duplicate slug": "markets:\n  - slug: a\n    title: A\n    category: energy\n  - slug: a\n    title: B\n    category: policy\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(doc)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestApplySkipsExisting(t *testing.T) {
	ctx := context.Background()
	st := db.NewMemStore()
	if _, err := st.CreateMarket(ctx, model.Market{Slug: "eu-ets-100", Title: "existing", Category: model.CategoryEmissions}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	created, err := Apply(ctx, c, st, logger)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(created) != 1 || created[0].Slug != "global-temp-2026" {
		t.Fatalf("expected only the new market, got %+v", created)
	}
	kept, _ := st.GetMarketBySlug(ctx, "eu-ets-100")
	if kept.Title != "existing" {
		t.Fatalf("existing market overwritten: %+v", kept)
	}

	again, err := Apply(ctx, c, st, logger)
	if err != nil || len(again) != 0 {
		t.Fatalf("second apply should create nothing, got %d (%v)", len(again), err)
	}
}

func TestBundledCatalogParses(t *testing.T) {
	c, err := LoadFile("../../configs/markets.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Markets) == 0 {
		t.Fatal("bundled catalog is empty")
	}
}
