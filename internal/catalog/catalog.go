// Package catalog loads the per-model capability descriptors and the pricing
// formula. Both are read once at startup and never mutated afterwards.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"genpay/pkg/money"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrModelDisabled = errors.New("model disabled")
)

// Pricing is the versioned formula price_rub = ceil(price_usd * usd_to_rub * markup).
// Rounding is up to the kopeck.
type Pricing struct {
	Version  string          `toml:"version"`
	USDToRub decimal.Decimal `toml:"usd_to_rub"`
	Markup   decimal.Decimal `toml:"markup"`
}

// Quote converts a provider price in USD into kopecks.
func (p Pricing) Quote(priceUSD decimal.Decimal) money.Amount {
	kopecks := priceUSD.Mul(p.USDToRub).Mul(p.Markup).Shift(2).Ceil()
	return money.Amount(kopecks.IntPart())
}

// Model is the immutable capability descriptor of one model.
type Model struct {
	ID             string
	Enabled        bool
	Free           bool
	Price          money.Amount
	Timeout        time.Duration
	RequiredFields []string
}

type Catalog struct {
	pricing Pricing
	models  map[string]Model
}

type fileModel struct {
	ID             string          `toml:"id"`
	Enabled        bool            `toml:"enabled"`
	Free           bool            `toml:"free"`
	PriceUSD       decimal.Decimal `toml:"price_usd"`
	Timeout        string          `toml:"timeout"`
	RequiredFields []string        `toml:"required_fields"`
}

type file struct {
	Pricing Pricing     `toml:"pricing"`
	Models  []fileModel `toml:"models"`
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}
	return build(f)
}

// Parse reads a catalog from TOML text.
func Parse(data string) (*Catalog, error) {
	var f file
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return build(f)
}

func build(f file) (*Catalog, error) {
	if f.Pricing.Version == "" {
		return nil, errors.New("catalog: pricing.version is required")
	}
	if !f.Pricing.USDToRub.IsPositive() || !f.Pricing.Markup.IsPositive() {
		return nil, errors.New("catalog: pricing.usd_to_rub and pricing.markup must be positive")
	}

	c := &Catalog{pricing: f.Pricing, models: make(map[string]Model, len(f.Models))}
	for _, fm := range f.Models {
		if fm.ID == "" {
			return nil, errors.New("catalog: model without id")
		}
		if _, dup := c.models[fm.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model %q", fm.ID)
		}

		m := Model{
			ID:             fm.ID,
			Enabled:        fm.Enabled,
			Free:           fm.Free,
			RequiredFields: append([]string(nil), fm.RequiredFields...),
		}
		if fm.Timeout != "" {
			d, err := time.ParseDuration(fm.Timeout)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("catalog: model %q: bad timeout %q", fm.ID, fm.Timeout)
			}
			m.Timeout = d
		}
		if !fm.Free {
			if fm.PriceUSD.IsNegative() {
				return nil, fmt.Errorf("catalog: model %q: negative price", fm.ID)
			}
			m.Price = f.Pricing.Quote(fm.PriceUSD)
		}
		c.models[fm.ID] = m
	}
	return c, nil
}

func (c *Catalog) PricingVersion() string {
	return c.pricing.Version
}

// Get returns the descriptor of an enabled model.
func (c *Catalog) Get(modelID string) (Model, error) {
	m, ok := c.models[modelID]
	if !ok {
		return Model{}, ErrModelNotFound
	}
	if !m.Enabled {
		return Model{}, ErrModelDisabled
	}
	return m, nil
}

// Models lists every descriptor sorted by id.
func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MissingFields returns the required fields absent from a JSON object payload.
func (m Model) MissingFields(payload json.RawMessage) ([]string, error) {
	if len(m.RequiredFields) == 0 {
		return nil, nil
	}
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	var missing []string
	for _, name := range m.RequiredFields {
		v, ok := fields[name]
		if !ok || string(v) == "null" || string(v) == `""` {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
