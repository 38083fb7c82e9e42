package foliage

// TypeTransforms holds the candidates produced for one geometry type.
type TypeTransforms struct {
	Type       GeometryType
	Transforms []Transform
}

// CategoryTransforms groups candidates by geometry type for one category.
type CategoryTransforms struct {
	Category string
	Types    []TypeTransforms
}

// Batch is the output of a single sampling pass. It is created per build and
// discarded once distributed.
type Batch struct {
	Categories []CategoryTransforms
}

// NewBatch creates an empty batch with one bucket per configured geometry type.
func NewBatch(categories []Category) *Batch {
	b := &Batch{Categories: make([]CategoryTransforms, len(categories))}
	for i, c := range categories {
		b.Categories[i] = CategoryTransforms{
			Category: c.Name,
			Types:    make([]TypeTransforms, len(c.GeometryTypes)),
		}
		for j, g := range c.GeometryTypes {
			b.Categories[i].Types[j] = TypeTransforms{Type: g}
		}
	}
	return b
}

// Add appends a transform to the bucket at the given category and type index.
func (b *Batch) Add(category, geometryType int, t Transform) {
	bucket := &b.Categories[category].Types[geometryType]
	bucket.Transforms = append(bucket.Transforms, t)
}

// Len returns the total number of transforms in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, c := range b.Categories {
		for _, t := range c.Types {
			n += len(t.Transforms)
		}
	}
	return n
}

// CountsByMesh totals transforms per mesh, for reporting.
func (b *Batch) CountsByMesh() map[string]int {
	counts := make(map[string]int)
	if b == nil {
		return counts
	}
	for _, c := range b.Categories {
		for _, t := range c.Types {
			counts[t.Type.Mesh] += len(t.Transforms)
		}
	}
	return counts
}

// KeyedTransforms is a merged bucket for one pooling key.
type KeyedTransforms struct {
	Key        Key
	Type       GeometryType
	Transforms []Transform
}

// ByKey merges buckets that share a pooling key, in first-seen order.
// A geometry type listed under two categories lands in a single pool.
func (b *Batch) ByKey() []KeyedTransforms {
	if b == nil {
		return nil
	}
	index := make(map[Key]int)
	var out []KeyedTransforms
	for _, c := range b.Categories {
		for _, t := range c.Types {
			k := t.Type.Key()
			i, ok := index[k]
			if !ok {
				i = len(out)
				index[k] = i
				out = append(out, KeyedTransforms{Key: k, Type: t.Type})
			}
			out[i].Transforms = append(out[i].Transforms, t.Transforms...)
		}
	}
	return out
}
