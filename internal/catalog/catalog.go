// Package catalog provisions markets from a YAML file at boot.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"climate-exchange/internal/model"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Entry describes one market. The admin API decodes the same shape from JSON.
type Entry struct {
	Slug             string     `yaml:"slug" json:"slug"`
	Title            string     `yaml:"title" json:"title"`
	Description      string     `yaml:"description" json:"description"`
	Category         string     `yaml:"category" json:"category"`
	TickSize         string     `yaml:"tick_size" json:"tick_size"`
	YesPrice         string     `yaml:"yes_price" json:"yes_price"`
	ResolutionSource string     `yaml:"resolution_source" json:"resolution_source"`
	ClosesAt         *time.Time `yaml:"closes_at" json:"closes_at"`
}

type Catalog struct {
	Markets []Entry `yaml:"markets"`
}

// Store is what Apply needs from the data layer.
type Store interface {
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)
	CreateMarket(ctx context.Context, m model.Market) (*model.Market, error)
}

func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a catalog. Unknown fields are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool)
	for i, e := range c.Markets {
		if _, err := e.Market(); err != nil {
			return nil, fmt.Errorf("market %d (%s): %w", i, e.Slug, err)
		}
		if seen[e.Slug] {
			return nil, fmt.Errorf("market %d: duplicate slug %s", i, e.Slug)
		}
		seen[e.Slug] = true
	}
	return &c, nil
}

// Market converts an entry into a market ready for CreateMarket.
func (e Entry) Market() (model.Market, error) {
	m := model.Market{
		Slug:             e.Slug,
		Title:            e.Title,
		Description:      e.Description,
		Category:         model.MarketCategory(e.Category),
		ResolutionSource: e.ResolutionSource,
		ClosesAt:         e.ClosesAt,
	}
	if !slugRe.MatchString(e.Slug) {
		return m, fmt.Errorf("invalid slug %q", e.Slug)
	}
	if e.Title == "" {
		return m, fmt.Errorf("title required")
	}
	if !m.Category.Valid() {
		return m, fmt.Errorf("unknown category %q", e.Category)
	}
	var err error
	if e.TickSize != "" {
		if m.TickSize, err = decimal.NewFromString(e.TickSize); err != nil || !m.TickSize.IsPositive() {
			return m, fmt.Errorf("invalid tick_size %q", e.TickSize)
		}
	}
	if e.YesPrice != "" {
		m.YesPrice, err = decimal.NewFromString(e.YesPrice)
		if err != nil || !m.YesPrice.IsPositive() || !m.YesPrice.LessThan(decimal.NewFromInt(1)) {
			return m, fmt.Errorf("yes_price must be between 0 and 1, got %q", e.YesPrice)
		}
	}
	return m, nil
}

// Apply creates the catalog markets that do not exist yet. It returns the
// markets it created.
func Apply(ctx context.Context, c *Catalog, store Store, logger *slog.Logger) ([]model.Market, error) {
	logger = logger.With("component", "catalog")
	var created []model.Market
	for _, e := range c.Markets {
		existing, err := store.GetMarketBySlug(ctx, e.Slug)
		if err != nil {
			return created, err
		}
		if existing != nil {
			logger.Debug("market_exists", "slug", e.Slug)
			continue
		}
		m, err := e.Market()
		if err != nil {
			return created, err
		}
		out, err := store.CreateMarket(ctx, m)
		if err != nil {
			return created, fmt.Errorf("create %s: %w", e.Slug, err)
		}
		logger.Info("market_created", "slug", out.Slug, "market_id", out.ID)
		created = append(created, *out)
	}
	return created, nil
}
