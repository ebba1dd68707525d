package liveresource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type EntityBindingSettings struct {
	BindingSettings

	// custom reducer replacing the default shallow merge for updated events
	OnUpdated func(incoming Attrs, prev Attrs) Attrs
	// side effect invoked when the bound entity is destroyed
	OnDestroyed func()
}

func DefaultEntityBindingSettings() *EntityBindingSettings {
	return &EntityBindingSettings{
		BindingSettings: *DefaultBindingSettings(),
	}
}

// EntityBinding synchronizes a single remote entity with local state. The
// snapshot is nil until the initial fetch publishes, and nil again after the
// entity is destroyed. There is no created subscription in this mode.
type EntityBinding struct {
	binding

	settings *EntityBindingSettings

	// guarded by stateMutex
	entityId any
	state    Attrs
}

func NewEntityBindingWithDefaults(
	ctx context.Context,
	resource string,
	entityId any,
	deps *BindingDeps,
) *EntityBinding {
	return NewEntityBinding(ctx, resource, entityId, deps, DefaultEntityBindingSettings())
}

func NewEntityBinding(
	ctx context.Context,
	resource string,
	entityId any,
	deps *BindingDeps,
	settings *EntityBindingSettings,
) *EntityBinding {
	b := &EntityBinding{
		settings: settings,
		entityId: entityId,
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

// State returns the current snapshot, or nil when not yet loaded or
// destroyed. The map is a copy.
func (self *EntityBinding) State() Attrs {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.state == nil {
		return nil
	}
	return maps.Clone(self.state)
}

func (self *EntityBinding) EntityId() any {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.entityId
}

func (self *EntityBinding) SetResource(resource string) {
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

// SetEntityId rebinds to a different id and retriggers the initial fetch.
func (self *EntityBinding) SetEntityId(entityId any) {
	self.stateMutex.Lock()
	if normalizeId(self.entityId) == normalizeId(entityId) {
		self.stateMutex.Unlock()
		return
	}
	self.entityId = entityId
	self.loading = true
	self.stateMutex.Unlock()
	self.notifyListeners()

	go func() {
		if err := self.Refresh(self.ctx); err != nil {
			glog.Infof("[bind]fetch %s = %s\n", normalizeId(entityId), err)
		}
	}()
}

// Refresh issues the single-entity fetch and publishes the result. A
// response that lost to a newer fetch is discarded.
func (self *EntityBinding) Refresh(ctx context.Context) error {
	self.stateMutex.Lock()
	self.fetchSeq += 1
	seq := self.fetchSeq
	self.loading = true
	resource := self.resource
	entityId := self.entityId
	self.stateMutex.Unlock()
	self.notifyListeners()

	url, err := self.router.Resolve(
		resource+".show",
		self.routeParams(map[string]any{self.paramName(resource): entityId}),
	)
	if err != nil {
		return err
	}
	r, err := self.client.Get(ctx, url)
	if err != nil {
		return err
	}

	var wireEntity Attrs
	if err := json.Unmarshal(r.Data, &wireEntity); err != nil {
		return err
	}
	entity, err := self.settings.Transformer.ApplyEntity(ctx, wireEntity)
	if err != nil {
		return err
	}

	self.stateMutex.Lock()
	if seq != self.fetchSeq {
		// a newer fetch started
		self.stateMutex.Unlock()
		return nil
	}
	self.eventOverride = r.Header.Get(SocketEventHeader)
	self.state = entity
	self.loading = false
	self.stateMutex.Unlock()

	self.resubscribe()
	self.notifyListeners()
	return nil
}

func (self *EntityBinding) Update(ctx context.Context, payload Attrs) (Attrs, error) {
	return self.UpdateWithMethod(ctx, payload, self.settings.DefaultUpdateMethod)
}

func (self *EntityBinding) UpdateWithMethod(ctx context.Context, payload Attrs, method UpdateMethod) (Attrs, error) {
	switch method {
	case UpdateMethodLocalOnly:
		self.applyUpdated(payload)
		return nil, nil
	case UpdateMethodImmediate:
		self.applyUpdated(payload)
		go func() {
			if _, err := self.sendUpdate(self.ctx, payload); err != nil {
				glog.Infof("[bind]update %s = %s\n", normalizeId(self.EntityId()), err)
			}
		}()
		return nil, nil
	case UpdateMethodOnSuccess, "":
		wireEntity, err := self.sendUpdate(ctx, payload)
		if err != nil {
			return nil, err
		}
		entity, err := self.settings.Transformer.ApplyPartialEntity(ctx, wireEntity)
		if err != nil {
			return nil, err
		}
		self.applyUpdated(entity)
		return entity, nil
	default:
		return nil, fmt.Errorf("unknown update method: %s", method)
	}
}

func (self *EntityBinding) Destroy(ctx context.Context) error {
	return self.DestroyWithMethod(ctx, self.settings.DefaultUpdateMethod)
}

func (self *EntityBinding) DestroyWithMethod(ctx context.Context, method UpdateMethod) error {
	switch method {
	case UpdateMethodLocalOnly:
		self.applyDestroyed()
		return nil
	case UpdateMethodImmediate:
		self.applyDestroyed()
		go func() {
			if err := self.sendDestroy(self.ctx); err != nil {
				glog.Infof("[bind]destroy %s = %s\n", normalizeId(self.EntityId()), err)
			}
		}()
		return nil
	case UpdateMethodOnSuccess, "":
		if err := self.sendDestroy(ctx); err != nil {
			return err
		}
		self.stateMutex.Lock()
		apply := !self.overrideActiveLocked()
		self.stateMutex.Unlock()
		if apply {
			self.applyDestroyed()
		}
		return nil
	default:
		return fmt.Errorf("unknown update method: %s", method)
	}
}

func (self *EntityBinding) sendUpdate(ctx context.Context, payload Attrs) (Attrs, error) {
	self.stateMutex.Lock()
	resource := self.resource
	entityId := self.entityId
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

func (self *EntityBinding) sendDestroy(ctx context.Context) error {
	self.stateMutex.Lock()
	resource := self.resource
	entityId := self.entityId
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

func (self *EntityBinding) resubscribe() {
	self.stateMutex.Lock()
	base := self.channelBaseLocked()
	self.stateMutex.Unlock()

	// no created channel when bound to a single id
	self.setSubscriptions(base, map[string]func(json.RawMessage){
		eventKindUpdated:   self.handleUpdatedEvent,
		eventKindDestroyed: self.handleDestroyedEvent,
	})
}

func (self *EntityBinding) handleUpdatedEvent(payload json.RawMessage) {
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

func (self *EntityBinding) handleDestroyedEvent(payload json.RawMessage) {
	var entityId any
	if err := json.Unmarshal(payload, &entityId); err != nil {
		glog.V(2).Infof("[bind]destroyed decode = %s\n", err)
		return
	}
	self.applyDestroyed()
}

func (self *EntityBinding) applyUpdated(incoming Attrs) {
	self.stateMutex.Lock()
	if self.settings.OnUpdated != nil {
		self.state = self.settings.OnUpdated(incoming, self.state)
	} else {
		self.state = withId(mergeAttrs(self.state, incoming), self.entityId)
	}
	self.stateMutex.Unlock()
	self.notifyListeners()
}

func (self *EntityBinding) applyDestroyed() {
	self.stateMutex.Lock()
	self.state = nil
	self.stateMutex.Unlock()
	if self.settings.OnDestroyed != nil {
		self.settings.OnDestroyed()
	}
	self.notifyListeners()
}
