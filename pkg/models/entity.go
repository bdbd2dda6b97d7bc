package models

import (
	"strings"
)

// FieldAccessor resolves dot-separated field paths on an entity.
// A missing field reports ok == false; it never panics.
type FieldAccessor interface {
	Field(path string) (any, bool)
}

// Entity is a business object a rule can act on.
type Entity interface {
	FieldAccessor
	EntityID() string
	EntityType() string
}

// MapEntity is a schemaless entity backed by nested maps, as returned by lookups that
// hand back decoded JSON documents.
type MapEntity struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

func (e *MapEntity) EntityID() string   { return e.ID }
func (e *MapEntity) EntityType() string { return e.Type }

// Field walks Fields along the dot path. "id" and "type" resolve to the identity fields
// when they are not present in Fields.
func (e *MapEntity) Field(path string) (any, bool) {
	if value, ok := LookupPath(e.Fields, path); ok {
		return value, true
	}

	switch path {
	case "id":
		return e.ID, true
	case "type":
		return e.Type, true
	}

	return nil, false
}

// Listing is a typed marketplace listing with an explicit field schema.
type Listing struct {
	ID         string         `json:"id"`
	SKU        string         `json:"sku"`
	Title      string         `json:"title"`
	Category   string         `json:"category"`
	Tags       []string       `json:"tags"`
	Price      float64        `json:"price"`
	Cost       float64        `json:"cost"`
	Score      float64        `json:"score"`
	Stock      int            `json:"stock"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

const EntityTypeListing = "listing"

func (l *Listing) EntityID() string   { return l.ID }
func (l *Listing) EntityType() string { return EntityTypeListing }

// Field resolves the known listing fields; "attributes.*" walks the free-form attributes.
func (l *Listing) Field(path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")

	switch head {
	case "id":
		return l.ID, !nested
	case "sku":
		return l.SKU, !nested
	case "title":
		return l.Title, !nested
	case "category":
		return l.Category, !nested
	case "tags":
		return l.Tags, !nested
	case "price":
		return l.Price, !nested
	case "cost":
		return l.Cost, !nested
	case "score":
		return l.Score, !nested
	case "stock":
		return l.Stock, !nested
	case "attributes":
		if !nested {
			return l.Attributes, l.Attributes != nil
		}

		return LookupPath(l.Attributes, rest)
	default:
		return nil, false
	}
}

// LookupPath walks nested map[string]any values along a dot path.
func LookupPath(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	var current any = data

	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}

			current = next
		case map[string]string:
			next, ok := node[part]
			if !ok {
				return nil, false
			}

			current = next
		default:
			return nil, false
		}
	}

	return current, true
}
