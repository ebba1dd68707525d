package liveresource

import (
	"context"
)

// TransformFunc converts one entity shape to another. Transform functions
// may suspend (network lookups, async hydration) and must be pure with
// respect to the binding state.
type TransformFunc func(ctx context.Context, attrs Attrs) (Attrs, error)

// Transformer is one direction of the transform pipeline: wire shape to
// application shape on the inbound side, application shape to wire shape on
// the outbound side. Whole and partial entities are separately overridable.
// An unset function is the identity.
type Transformer struct {
	Entity        TransformFunc
	PartialEntity TransformFunc
}

func (self *Transformer) ApplyEntity(ctx context.Context, attrs Attrs) (Attrs, error) {
	if self == nil || self.Entity == nil {
		return attrs, nil
	}
	return self.Entity(ctx, attrs)
}

func (self *Transformer) ApplyPartialEntity(ctx context.Context, attrs Attrs) (Attrs, error) {
	if self == nil || self.PartialEntity == nil {
		return attrs, nil
	}
	return self.PartialEntity(ctx, attrs)
}

// stripUndefined drops fields marked Undefined from an outbound partial
// payload, so that "unset" is distinguishable from "set to null" at the
// wire boundary. attrs is not mutated.
func stripUndefined(attrs Attrs) Attrs {
	out := Attrs{}
	for key, value := range attrs {
		if _, unset := value.(undefinedValue); unset {
			continue
		}
		out[key] = value
	}
	return out
}
