package config

import (
	"fmt"

	"github.com/terrascape/foliage/internal/foliage"
)

// GeometryTypeConfig is the file form of foliage.GeometryType.
type GeometryTypeConfig struct {
	Mesh                         string            `json:"mesh" mapstructure:"mesh"`
	Density                      float64           `json:"density" mapstructure:"density"`
	RandomYaw                    bool              `json:"randomYaw" mapstructure:"randomYaw"`
	ZOffset                      foliage.Interval  `json:"zOffset" mapstructure:"zOffset"`
	Scale                        *foliage.Interval `json:"scale" mapstructure:"scale"`
	AlignToNormal                bool              `json:"alignToNormal" mapstructure:"alignToNormal"`
	CollidesWithWorld            bool              `json:"collidesWithWorld" mapstructure:"collidesWithWorld"`
	CullingDistances             foliage.Interval  `json:"cullingDistances" mapstructure:"cullingDistances"`
	AffectsDistanceFieldLighting bool              `json:"affectsDistanceFieldLighting" mapstructure:"affectsDistanceFieldLighting"`
}

// CategoryConfig is the file form of foliage.Category. Color is [r, g, b] or [r, g, b, a].
type CategoryConfig struct {
	Name                      string               `json:"name" mapstructure:"name"`
	Color                     []float64            `json:"color" mapstructure:"color"`
	GeometryTypes             []GeometryTypeConfig `json:"geometryTypes" mapstructure:"geometryTypes"`
	AlignToSurfaceWithRaycast bool                 `json:"alignToSurfaceWithRaycast" mapstructure:"alignToSurfaceWithRaycast"`
	PooledComponentsPerType   int                  `json:"pooledComponentsPerType" mapstructure:"pooledComponentsPerType"`
}

// GeometryType converts the entry. A missing scale means unit scale.
func (g GeometryTypeConfig) GeometryType() foliage.GeometryType {
	scale := foliage.Interval{Min: 1, Max: 1}
	if g.Scale != nil {
		scale = *g.Scale
	}
	return foliage.GeometryType{
		Density:                      g.Density,
		RandomYaw:                    g.RandomYaw,
		ZOffset:                      g.ZOffset,
		Scale:                        scale,
		AlignToNormal:                g.AlignToNormal,
		Mesh:                         g.Mesh,
		CollidesWithWorld:            g.CollidesWithWorld,
		CullingDistances:             g.CullingDistances,
		AffectsDistanceFieldLighting: g.AffectsDistanceFieldLighting,
	}
}

// Category converts and validates the entry.
func (c CategoryConfig) Category() (foliage.Category, error) {
	var color foliage.LinearColor
	switch len(c.Color) {
	case 3:
		color = foliage.LinearColor{R: c.Color[0], G: c.Color[1], B: c.Color[2], A: 1}
	case 4:
		color = foliage.LinearColor{R: c.Color[0], G: c.Color[1], B: c.Color[2], A: c.Color[3]}
	default:
		return foliage.Category{}, fmt.Errorf("%w: %q color needs 3 or 4 components, got %d", ErrInvalidCategory, c.Name, len(c.Color))
	}
	if c.PooledComponentsPerType < 0 {
		return foliage.Category{}, fmt.Errorf("%w: %q negative pool size", ErrInvalidCategory, c.Name)
	}

	cat := foliage.Category{
		Name:                      c.Name,
		Color:                     color,
		AlignToSurfaceWithRaycast: c.AlignToSurfaceWithRaycast,
		PooledComponentsPerType:   c.PooledComponentsPerType,
	}
	for _, g := range c.GeometryTypes {
		cat.GeometryTypes = append(cat.GeometryTypes, g.GeometryType())
	}
	if err := cat.Validate(); err != nil {
		return foliage.Category{}, fmt.Errorf("%w: %w", ErrInvalidCategory, err)
	}
	return cat, nil
}

// FoliageCategories converts every configured category, in order.
func (s Settings) FoliageCategories() ([]foliage.Category, error) {
	out := make([]foliage.Category, 0, len(s.Categories))
	for i, c := range s.Categories {
		cat, err := c.Category()
		if err != nil {
			return nil, fmt.Errorf("category %d: %w", i, err)
		}
		out = append(out, cat)
	}
	return out, nil
}
