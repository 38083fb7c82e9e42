package pool

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrascape/foliage/internal/foliage"
)

type update struct {
	mesh       string
	component  Component
	transforms []foliage.Transform
}

// Distribution is the pending component work of one batch. Each Step performs
// a bounded number of updates, so the batch can be spread over frames.
type Distribution struct {
	m       *Manager
	updates []update
	next    int
	updated int
	skipped int
}

// Distribute plans the component updates for batch. The transforms of each
// geometry type are split evenly across the valid components of its pool.
// Components with nothing to place are only touched when they still hold
// instances. Missing pools are created with the default size.
func (m *Manager) Distribute(batch *foliage.Batch) *Distribution {
	d := &Distribution{m: m}

	for _, kt := range batch.ByKey() {
		p, err := m.pool(kt.Key, kt.Type)
		if err != nil {
			if m.logger != nil {
				m.logger.Error("creating pool for distribution", "mesh", kt.Type.Mesh, "error", err)
			}
			d.skip(kt.Type.Mesh, 1)
			continue
		}

		m.mu.RLock()
		components := make([]Component, 0, len(p.components))
		for _, c := range p.components {
			if c.Valid() {
				components = append(components, c)
			} else {
				d.skip(kt.Type.Mesh, 1)
			}
		}
		m.mu.RUnlock()

		if len(components) == 0 {
			if len(kt.Transforms) > 0 && m.logger != nil {
				m.logger.Error("no valid components", "mesh", kt.Type.Mesh, "dropped", len(kt.Transforms))
			}
			continue
		}

		n := len(kt.Transforms)
		for i, c := range components {
			chunk := kt.Transforms[i*n/len(components) : (i+1)*n/len(components)]
			if len(chunk) == 0 && c.InstanceCount() == 0 {
				continue
			}
			d.updates = append(d.updates, update{mesh: kt.Type.Mesh, component: c, transforms: chunk})
		}
	}

	return d
}

// Step performs at most budget component updates (at least one). Invalid
// components and failed updates are skipped without using up the budget.
// It reports whether the distribution is complete.
func (d *Distribution) Step(budget int) bool {
	if budget <= 0 {
		budget = 1
	}
	for done := 0; done < budget && d.next < len(d.updates); {
		u := d.updates[d.next]
		d.next++

		if !u.component.Valid() {
			d.skip(u.mesh, 1)
			d.logError(u, ErrComponentInvalid)
			continue
		}
		if err := u.component.SetInstances(u.transforms); err != nil {
			d.skip(u.mesh, 1)
			d.logError(u, err)
			continue
		}

		d.updated++
		done++
		d.m.updated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mesh", u.mesh)))
	}
	return d.Done()
}

// Done reports whether every planned update has been attempted.
func (d *Distribution) Done() bool {
	return d.next >= len(d.updates)
}

// Remaining returns the number of planned updates not yet attempted.
func (d *Distribution) Remaining() int {
	return len(d.updates) - d.next
}

// Updated returns the number of successful component updates.
func (d *Distribution) Updated() int {
	return d.updated
}

// Skipped returns the number of component updates that were skipped.
func (d *Distribution) Skipped() int {
	return d.skipped
}

func (d *Distribution) skip(mesh string, n int) {
	d.skipped += n
	d.m.skipped.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("mesh", mesh)))
}

func (d *Distribution) logError(u update, err error) {
	if d.m.logger != nil {
		d.m.logger.Error("skipping component update", "mesh", u.mesh, "component", u.component.ID(), "error", err)
	}
}
