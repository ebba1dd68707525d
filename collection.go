package liveresource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type CollectionBindingSettings struct {
	BindingSettings

	// custom reducers replacing the default merge policy per event kind.
	// each receives the incoming (transformed) payload and the previous
	// snapshot and returns the next snapshot
	OnCreated   func(incoming Attrs, prev []Attrs) []Attrs
	OnUpdated   func(incoming Attrs, prev []Attrs) []Attrs
	OnDestroyed func(entityId string, prev []Attrs) []Attrs
}

func DefaultCollectionBindingSettings() *CollectionBindingSettings {
	return &CollectionBindingSettings{
		BindingSettings: *DefaultBindingSettings(),
	}
}

// CollectionBinding synchronizes an ordered remote collection with local
// state. The snapshot is the single source of truth for rendering; it is
// kept current by the initial fetch, local mutations, and real-time
// created/updated/destroyed events, each applied exactly once.
type CollectionBinding struct {
	binding

	settings *CollectionBindingSettings

	// guarded by stateMutex. insertion order is arrival order
	state []Attrs
}

func NewCollectionBindingWithDefaults(
	ctx context.Context,
	resource string,
	deps *BindingDeps,
) *CollectionBinding {
	return NewCollectionBinding(ctx, resource, deps, DefaultCollectionBindingSettings())
}

func NewCollectionBinding(
	ctx context.Context,
	resource string,
	deps *BindingDeps,
	settings *CollectionBindingSettings,
) *CollectionBinding {
	b := &CollectionBinding{
		settings: settings,
		state:    []Attrs{},
	}
	b.init(ctx, resource, deps, &settings.BindingSettings)
	b.resubscribe()
	go func() {
		if err := b.Refresh(b.ctx); err != nil {
			glog.Infof("[bind]fetch %s = %s\n", resource, err)
		}
	}()
	return b
}

// State returns the current snapshot. The slice is a copy; the entity maps
// are shared and must be treated as read-only.
func (self *CollectionBinding) State() []Attrs {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return slices.Clone(self.state)
}

// SetResource rebinds to a different resource name and retriggers the
// initial fetch.
func (self *CollectionBinding) SetResource(resource string) {
	self.stateMutex.Lock()
	if self.resource == resource {
		self.stateMutex.Unlock()
		return
	}
	self.resource = resource
	self.loading = true
	self.stateMutex.Unlock()
	self.notifyListeners()

	go func() {
		if err := self.Refresh(self.ctx); err != nil {
			glog.Infof("[bind]fetch %s = %s\n", resource, err)
		}
	}()
}

// Refresh issues the collection listing and publishes the result. A response
// that lost to a newer fetch is discarded, so rapid rebinding cannot clobber
// newer state with a stale listing.
func (self *CollectionBinding) Refresh(ctx context.Context) error {
	self.stateMutex.Lock()
	self.fetchSeq += 1
	seq := self.fetchSeq
	self.loading = true
	resource := self.resource
	self.stateMutex.Unlock()
	self.notifyListeners()

	url, err := self.router.Resolve(resource+".index", self.routeParams(nil))
	if err != nil {
		return err
	}
	r, err := self.client.Get(ctx, url)
	if err != nil {
		return err
	}

	var wireEntities []Attrs
	if err := json.Unmarshal(r.Data, &wireEntities); err != nil {
		return err
	}
	entities := make([]Attrs, 0, len(wireEntities))
	for _, wireEntity := range wireEntities {
		entity, err := self.settings.Transformer.ApplyEntity(ctx, wireEntity)
		if err != nil {
			return err
		}
		entities = append(entities, entity)
	}

	self.stateMutex.Lock()
	if seq != self.fetchSeq {
		// a newer fetch started
		self.stateMutex.Unlock()
		return nil
	}
	self.eventOverride = r.Header.Get(SocketEventHeader)
	self.state = entities
	self.loading = false
	self.stateMutex.Unlock()

	self.resubscribe()
	self.notifyListeners()
	return nil
}

// Store creates an entity. The response is applied locally as the source of
// truth unless an event-channel override is active, in which case the
// channel is expected to deliver the authoritative create event instead.
func (self *CollectionBinding) Store(ctx context.Context, payload Attrs) (Attrs, error) {
	self.stateMutex.Lock()
	resource := self.resource
	self.stateMutex.Unlock()

	wirePayload, err := self.settings.InverseTransformer.ApplyPartialEntity(ctx, stripUndefined(payload))
	if err != nil {
		return nil, err
	}

	url, err := self.router.Resolve(resource+".store", self.routeParams(nil))
	if err != nil {
		return nil, err
	}
	r, err := self.client.Post(ctx, url, wirePayload)
	if err != nil {
		return nil, err
	}

	var wireEntity Attrs
	if err := json.Unmarshal(r.Data, &wireEntity); err != nil {
		return nil, err
	}
	entity, err := self.settings.Transformer.ApplyEntity(ctx, wireEntity)
	if err != nil {
		return nil, err
	}

	self.stateMutex.Lock()
	apply := !self.overrideActiveLocked()
	if apply {
		self.reduceCreatedLocked(entity)
	}
	self.stateMutex.Unlock()
	if apply {
		self.notifyListeners()
	}
	return entity, nil
}

func (self *CollectionBinding) Update(ctx context.Context, entityId any, payload Attrs) (Attrs, error) {
	return self.UpdateWithMethod(ctx, entityId, payload, self.settings.DefaultUpdateMethod)
}

func (self *CollectionBinding) UpdateWithMethod(
	ctx context.Context,
	entityId any,
	payload Attrs,
	method UpdateMethod,
) (Attrs, error) {
	switch method {
	case UpdateMethodLocalOnly:
		self.applyUpdated(withId(payload, entityId))
		return nil, nil
	case UpdateMethodImmediate:
		// optimistic. the caller observes the change before this returns.
		// a failing background request is logged, not rolled back
		self.applyUpdated(withId(payload, entityId))
		go func() {
			if _, err := self.sendUpdate(self.ctx, entityId, payload); err != nil {
				glog.Infof("[bind]update %s = %s\n", normalizeId(entityId), err)
			}
		}()
		return nil, nil
	case UpdateMethodOnSuccess, "":
		wireEntity, err := self.sendUpdate(ctx, entityId, payload)
		if err != nil {
			return nil, err
		}
		entity, err := self.settings.Transformer.ApplyPartialEntity(ctx, wireEntity)
		if err != nil {
			return nil, err
		}
		// unlike create and destroy, updates always apply locally on
		// success. the merge is idempotent, so a second delivery over the
		// event channel is harmless
		self.applyUpdated(withId(entity, entityId))
		return entity, nil
	default:
		return nil, fmt.Errorf("unknown update method: %s", method)
	}
}

func (self *CollectionBinding) Destroy(ctx context.Context, entityId any) error {
	return self.DestroyWithMethod(ctx, entityId, self.settings.DefaultUpdateMethod)
}

func (self *CollectionBinding) DestroyWithMethod(ctx context.Context, entityId any, method UpdateMethod) error {
	switch method {
	case UpdateMethodLocalOnly:
		self.applyDestroyed(normalizeId(entityId))
		return nil
	case UpdateMethodImmediate:
		self.applyDestroyed(normalizeId(entityId))
		go func() {
			if err := self.sendDestroy(self.ctx, entityId); err != nil {
				glog.Infof("[bind]destroy %s = %s\n", normalizeId(entityId), err)
			}
		}()
		return nil
	case UpdateMethodOnSuccess, "":
		if err := self.sendDestroy(ctx, entityId); err != nil {
			return err
		}
		self.stateMutex.Lock()
		apply := !self.overrideActiveLocked()
		if apply {
			self.reduceDestroyedLocked(normalizeId(entityId))
		}
		self.stateMutex.Unlock()
		if apply {
			self.notifyListeners()
		}
		return nil
	default:
		return fmt.Errorf("unknown update method: %s", method)
	}
}

func (self *CollectionBinding) sendUpdate(ctx context.Context, entityId any, payload Attrs) (Attrs, error) {
	self.stateMutex.Lock()
	resource := self.resource
	self.stateMutex.Unlock()

	wirePayload, err := self.settings.InverseTransformer.ApplyPartialEntity(ctx, stripUndefined(payload))
	if err != nil {
		return nil, err
	}

	url, err := self.router.Resolve(
		resource+".update",
		self.routeParams(map[string]any{self.paramName(resource): entityId}),
	)
	if err != nil {
		return nil, err
	}
	r, err := self.client.Put(ctx, url, wirePayload)
	if err != nil {
		return nil, err
	}

	wireEntity := Attrs{}
	if 0 < len(r.Data) {
		if err := json.Unmarshal(r.Data, &wireEntity); err != nil {
			return nil, err
		}
	}
	return wireEntity, nil
}

func (self *CollectionBinding) sendDestroy(ctx context.Context, entityId any) error {
	self.stateMutex.Lock()
	resource := self.resource
	self.stateMutex.Unlock()

	url, err := self.router.Resolve(
		resource+".destroy",
		self.routeParams(map[string]any{self.paramName(resource): entityId}),
	)
	if err != nil {
		return err
	}
	_, err = self.client.Delete(ctx, url)
	return err
}

func (self *CollectionBinding) resubscribe() {
	self.stateMutex.Lock()
	base := self.channelBaseLocked()
	self.stateMutex.Unlock()

	self.setSubscriptions(base, map[string]func(json.RawMessage){
		eventKindCreated:   self.handleCreatedEvent,
		eventKindUpdated:   self.handleUpdatedEvent,
		eventKindDestroyed: self.handleDestroyedEvent,
	})
}

func (self *CollectionBinding) handleCreatedEvent(payload json.RawMessage) {
	var wireEntity Attrs
	if err := json.Unmarshal(payload, &wireEntity); err != nil {
		glog.V(2).Infof("[bind]created decode = %s\n", err)
		return
	}
	entity, err := self.settings.Transformer.ApplyEntity(self.ctx, wireEntity)
	if err != nil {
		glog.Infof("[bind]created transform = %s\n", err)
		return
	}

	self.stateMutex.Lock()
	self.reduceCreatedLocked(entity)
	self.stateMutex.Unlock()
	self.notifyListeners()
}

func (self *CollectionBinding) handleUpdatedEvent(payload json.RawMessage) {
	var wireEntity Attrs
	if err := json.Unmarshal(payload, &wireEntity); err != nil {
		glog.V(2).Infof("[bind]updated decode = %s\n", err)
		return
	}
	entity, err := self.settings.Transformer.ApplyPartialEntity(self.ctx, wireEntity)
	if err != nil {
		glog.Infof("[bind]updated transform = %s\n", err)
		return
	}
	self.applyUpdated(entity)
}

func (self *CollectionBinding) handleDestroyedEvent(payload json.RawMessage) {
	// the payload is a bare id
	var entityId any
	if err := json.Unmarshal(payload, &entityId); err != nil {
		glog.V(2).Infof("[bind]destroyed decode = %s\n", err)
		return
	}
	self.applyDestroyed(normalizeId(entityId))
}

func (self *CollectionBinding) applyUpdated(incoming Attrs) {
	self.stateMutex.Lock()
	if self.settings.OnUpdated != nil {
		self.state = self.settings.OnUpdated(incoming, self.state)
	} else {
		self.state = reduceCollectionUpdated(incoming, self.state)
	}
	self.stateMutex.Unlock()
	self.notifyListeners()
}

func (self *CollectionBinding) applyDestroyed(entityId string) {
	self.stateMutex.Lock()
	self.reduceDestroyedLocked(entityId)
	self.stateMutex.Unlock()
	self.notifyListeners()
}

func (self *CollectionBinding) reduceCreatedLocked(incoming Attrs) {
	if self.settings.OnCreated != nil {
		self.state = self.settings.OnCreated(incoming, self.state)
	} else {
		self.state = reduceCollectionCreated(incoming, self.state)
	}
}

func (self *CollectionBinding) reduceDestroyedLocked(entityId string) {
	if self.settings.OnDestroyed != nil {
		self.state = self.settings.OnDestroyed(entityId, self.state)
	} else {
		self.state = reduceCollectionDestroyed(entityId, self.state)
	}
}

// append iff the id is not already present. idempotent against duplicate
// delivery of the same created event
func reduceCollectionCreated(incoming Attrs, prev []Attrs) []Attrs {
	if incomingId, ok := attrsId(incoming); ok {
		for _, entity := range prev {
			if entityId, ok := attrsId(entity); ok && entityId == incomingId {
				return prev
			}
		}
	}
	next := slices.Clone(prev)
	return append(next, incoming)
}

// shallow-merge the partial payload into the entity with the matching id.
// no match is a no-op
func reduceCollectionUpdated(incoming Attrs, prev []Attrs) []Attrs {
	incomingId, ok := attrsId(incoming)
	if !ok {
		return prev
	}
	for i, entity := range prev {
		if entityId, ok := attrsId(entity); ok && entityId == incomingId {
			next := slices.Clone(prev)
			next[i] = mergeAttrs(entity, incoming)
			return next
		}
	}
	return prev
}

func reduceCollectionDestroyed(entityId string, prev []Attrs) []Attrs {
	next := []Attrs{}
	for _, entity := range prev {
		if id, ok := attrsId(entity); ok && id == entityId {
			continue
		}
		next = append(next, entity)
	}
	return next
}
