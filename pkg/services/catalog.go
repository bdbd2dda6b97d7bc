package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/dukex/sellerops/pkg/models"
	"gopkg.in/yaml.v3"
)

// Catalog is an in-process listing catalog. It backs lookup, pricing, tagging, templates
// and features for single-node deployments and tests.
type Catalog struct {
	mu        sync.RWMutex
	listings  map[string]*models.Listing
	templates map[string]map[string]any
}

var (
	_ EntityLookup    = (*Catalog)(nil)
	_ PricingService  = (*Catalog)(nil)
	_ TagService      = (*Catalog)(nil)
	_ TemplateService = (*Catalog)(nil)
	_ FeatureService  = (*Catalog)(nil)
)

// CatalogData is the on-disk catalog document.
type CatalogData struct {
	Listings  []*models.Listing         `json:"listings"  yaml:"listings"`
	Templates map[string]map[string]any `json:"templates" yaml:"templates"`
}

func NewCatalog(listings ...*models.Listing) *Catalog {
	c := &Catalog{
		listings:  make(map[string]*models.Listing),
		templates: make(map[string]map[string]any),
	}

	for _, listing := range listings {
		c.Put(listing)
	}

	return c
}

// LoadCatalog reads a YAML or JSON catalog document.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var doc CatalogData

	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}

	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	catalog := NewCatalog(doc.Listings...)
	for id, fields := range doc.Templates {
		catalog.PutTemplate(id, fields)
	}

	return catalog, nil
}

// Put stores a copy of the listing, replacing any listing with the same id.
func (c *Catalog) Put(listing *models.Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listings[listing.ID] = cloneListing(listing)
}

func (c *Catalog) PutTemplate(id string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.templates[id] = maps.Clone(fields)
}

// Listing returns a copy of the stored listing.
func (c *Catalog) Listing(id string) (*models.Listing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	listing, ok := c.listings[id]
	if !ok {
		return nil, false
	}

	return cloneListing(listing), true
}

func (c *Catalog) Resolve(_ context.Context, scope models.Scope) ([]models.Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(c.listings))
	entities := make([]models.Entity, 0, len(ids))

	for _, id := range ids {
		listing := c.listings[id]
		if scope.Matches(listing) {
			entities = append(entities, cloneListing(listing))
		}
	}

	return entities, nil
}

func (c *Catalog) Get(_ context.Context, entityType, id string) (models.Entity, error) {
	if entityType != "" && entityType != models.EntityTypeListing {
		return nil, NewServiceError("Get", id, ErrEntityNotFound)
	}

	listing, ok := c.Listing(id)
	if !ok {
		return nil, NewServiceError("Get", id, ErrEntityNotFound)
	}

	return listing, nil
}

func (c *Catalog) CurrentPrice(_ context.Context, entityID string) (float64, error) {
	listing, ok := c.Listing(entityID)
	if !ok {
		return 0, NewServiceError("CurrentPrice", entityID, ErrEntityNotFound)
	}

	return listing.Price, nil
}

func (c *Catalog) UpdatePrice(_ context.Context, entityID string, price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return NewServiceError("UpdatePrice", entityID, ErrInvalidPrice)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	listing, ok := c.listings[entityID]
	if !ok {
		return NewServiceError("UpdatePrice", entityID, ErrEntityNotFound)
	}

	listing.Price = price

	return nil
}

// MinPriceForMargin solves (price - cost) / price >= marginPercent/100 for price, rounded
// up to the cent.
func (c *Catalog) MinPriceForMargin(_ context.Context, entityID string, marginPercent float64) (float64, error) {
	listing, ok := c.Listing(entityID)
	if !ok {
		return 0, NewServiceError("MinPriceForMargin", entityID, ErrEntityNotFound)
	}

	if marginPercent < 0 || marginPercent >= 100 {
		return 0, NewServiceError("MinPriceForMargin", entityID, ErrInvalidRequest)
	}

	if listing.Cost <= 0 {
		return 0, NewServiceError("MinPriceForMargin", entityID, ErrNoCost)
	}

	return math.Ceil(listing.Cost/(1-marginPercent/100)*100-1e-9) / 100, nil
}

func (c *Catalog) AddTags(_ context.Context, entityID string, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	listing, ok := c.listings[entityID]
	if !ok {
		return NewServiceError("AddTags", entityID, ErrEntityNotFound)
	}

	for _, tag := range tags {
		if !slices.Contains(listing.Tags, tag) {
			listing.Tags = append(listing.Tags, tag)
		}
	}

	return nil
}

func (c *Catalog) RemoveTags(_ context.Context, entityID string, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	listing, ok := c.listings[entityID]
	if !ok {
		return NewServiceError("RemoveTags", entityID, ErrEntityNotFound)
	}

	listing.Tags = slices.DeleteFunc(listing.Tags, func(tag string) bool {
		return slices.Contains(tags, tag)
	})

	return nil
}

// Apply merges the template fields, then the overrides, into the listing attributes.
func (c *Catalog) Apply(_ context.Context, entityID, templateID string, overrides map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	listing, ok := c.listings[entityID]
	if !ok {
		return nil, NewServiceError("Apply", entityID, ErrEntityNotFound)
	}

	fields, ok := c.templates[templateID]
	if !ok {
		return nil, NewServiceError("Apply", entityID, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID))
	}

	changed := maps.Clone(fields)
	if changed == nil {
		changed = make(map[string]any)
	}

	maps.Copy(changed, overrides)

	if listing.Attributes == nil {
		listing.Attributes = make(map[string]any)
	}

	maps.Copy(listing.Attributes, changed)

	return changed, nil
}

// Compute derives margin, stock and score features from the stored listing.
func (c *Catalog) Compute(_ context.Context, entityID string) (map[string]float64, error) {
	listing, ok := c.Listing(entityID)
	if !ok {
		return nil, NewServiceError("Compute", entityID, ErrEntityNotFound)
	}

	features := map[string]float64{
		"price":     listing.Price,
		"cost":      listing.Cost,
		"stock":     float64(listing.Stock),
		"score":     listing.Score,
		"tag_count": float64(len(listing.Tags)),
	}

	if listing.Price > 0 {
		features["margin_percent"] = (listing.Price - listing.Cost) / listing.Price * 100
	}

	return features, nil
}

// Listings returns copies of every listing ordered by id.
func (c *Catalog) Listings() []*models.Listing {
	c.mu.RLock()
	defer c.mu.RUnlock()

	listings := make([]*models.Listing, 0, len(c.listings))
	for _, listing := range c.listings {
		listings = append(listings, cloneListing(listing))
	}

	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })

	return listings
}

func cloneListing(listing *models.Listing) *models.Listing {
	clone := *listing
	clone.Tags = slices.Clone(listing.Tags)
	clone.Attributes = maps.Clone(listing.Attributes)

	return &clone
}
