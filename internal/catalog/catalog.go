// Package catalog exposes the reusable creative building blocks (personas,
// emotion curves, hook types) as read-only lookup-by-key providers.
package catalog

import (
	"fmt"

	"reelforge/internal/config"
)

type Catalog struct {
	personas map[string]config.Persona
	curves   map[string]config.EmotionCurve
	hooks    map[string]config.HookType

	personaIDs []string
	curveIDs   []string
	hookIDs    []string
}

func New(c config.Catalogs) Catalog {
	cat := Catalog{
		personas: make(map[string]config.Persona, len(c.Personas)),
		curves:   make(map[string]config.EmotionCurve, len(c.EmotionCurves)),
		hooks:    make(map[string]config.HookType, len(c.HookTypes)),
	}
	for _, p := range c.Personas {
		cat.personas[p.ID] = p
		cat.personaIDs = append(cat.personaIDs, p.ID)
	}
	for _, ec := range c.EmotionCurves {
		cat.curves[ec.ID] = ec
		cat.curveIDs = append(cat.curveIDs, ec.ID)
	}
	for _, h := range c.HookTypes {
		cat.hooks[h.ID] = h
		cat.hookIDs = append(cat.hookIDs, h.ID)
	}
	return cat
}

func (c Catalog) Persona(id string) (config.Persona, error) {
	p, ok := c.personas[id]
	if !ok {
		return config.Persona{}, fmt.Errorf("unknown persona %s", id)
	}
	return p, nil
}

func (c Catalog) EmotionCurve(id string) (config.EmotionCurve, error) {
	ec, ok := c.curves[id]
	if !ok {
		return config.EmotionCurve{}, fmt.Errorf("unknown emotion curve %s", id)
	}
	return ec, nil
}

func (c Catalog) HookType(id string) (config.HookType, error) {
	h, ok := c.hooks[id]
	if !ok {
		return config.HookType{}, fmt.Errorf("unknown hook type %s", id)
	}
	return h, nil
}

// ID listings preserve config order so uniform fallback selection is
// deterministic under a seeded source.
func (c Catalog) PersonaIDs() []string      { return c.personaIDs }
func (c Catalog) EmotionCurveIDs() []string { return c.curveIDs }
func (c Catalog) HookTypeIDs() []string     { return c.hookIDs }
