package liveresource

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// BindingDeps are the external collaborators a binding consumes. Client and
// Router are required. Subscriber is optional; without it the binding is
// request/response only.
type BindingDeps struct {
	Client     HttpClient
	Router     RouteResolver
	Subscriber Subscriber
}

type BindingSettings struct {
	// route parameter carrying the id. defaults to the singularized last
	// dot-delimited segment of the resource name
	ParamName string
	// static route parameters merged into every request
	Params map[string]any
	// explicit event-channel base name. beats the derived default and any
	// header-provided override
	SocketEvent string
	// applied when an operation does not specify its own method
	DefaultUpdateMethod UpdateMethod
	// inbound: wire shape -> application shape
	Transformer *Transformer
	// outbound: application shape -> wire shape
	InverseTransformer *Transformer
}

func DefaultBindingSettings() *BindingSettings {
	return &BindingSettings{
		DefaultUpdateMethod: UpdateMethodOnSuccess,
	}
}

// shared core of the two binding modes. The mode (ordered collection vs
// single entity) is fixed by the constructor used, see
// `NewCollectionBinding` and `NewEntityBinding`.
type binding struct {
	ctx    context.Context
	cancel context.CancelFunc

	client     HttpClient
	router     RouteResolver
	subscriber Subscriber

	settings *BindingSettings

	// stateMutex also guards the mode-specific state snapshot, so that
	// "capture event override" and "publish fetched state" is one atomic
	// transition
	stateMutex    sync.Mutex
	resource      string
	eventOverride string
	loading       bool
	fetchSeq      uint64

	subMutex       sync.Mutex
	subscribedBase string
	unsubs         []func()

	stateListeners *CallbackList[func()]
}

func (self *binding) init(ctx context.Context, resource string, deps *BindingDeps, settings *BindingSettings) {
	cancelCtx, cancel := context.WithCancel(ctx)
	self.ctx = cancelCtx
	self.cancel = cancel
	self.client = deps.Client
	self.router = deps.Router
	self.subscriber = deps.Subscriber
	self.settings = settings
	self.resource = resource
	self.loading = true
	self.stateListeners = &CallbackList[func()]{}
}

// IsLoading is true from binding activation or a resource change until the
// initial fetch publishes. Per-operation failures do not affect it.
func (self *binding) IsLoading() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.loading
}

// AddStateListener registers a listener fired after each state publish.
// The returned func removes the listener.
func (self *binding) AddStateListener(listener func()) func() {
	callbackId := self.stateListeners.Add(listener)
	return func() {
		self.stateListeners.Remove(callbackId)
	}
}

func (self *binding) notifyListeners() {
	for _, listener := range self.stateListeners.Get() {
		listener()
	}
}

// Close stops the subscriptions and cancels the binding context. In-flight
// requests issued with caller contexts are not affected.
func (self *binding) Close() {
	self.cancel()

	self.subMutex.Lock()
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
	self.subscribedBase = ""
	self.subMutex.Unlock()
}

func (self *binding) paramName(resource string) string {
	if self.settings.ParamName != "" {
		return self.settings.ParamName
	}
	segments := strings.Split(resource, ".")
	return Singularize(segments[len(segments)-1])
}

func (self *binding) routeParams(extra map[string]any) map[string]any {
	params := map[string]any{}
	for name, value := range self.settings.Params {
		params[name] = value
	}
	for name, value := range extra {
		params[name] = value
	}
	return params
}

func (self *binding) channelBaseLocked() string {
	if self.settings.SocketEvent != "" {
		return self.settings.SocketEvent
	}
	if self.eventOverride != "" {
		return self.eventOverride
	}
	return self.resource
}

// when an event channel is explicitly known (configured or announced via the
// fetch response header), the channel delivers the authoritative create and
// destroy events and local application defers to it
func (self *binding) overrideActiveLocked() bool {
	return self.settings.SocketEvent != "" || self.eventOverride != ""
}

// setSubscriptions points the channel subscriptions at base, dropping any
// previous subscriptions. channels maps the event kind suffix to its
// handler; an empty handler entry value is passed through as a disabled
// (empty) channel name.
func (self *binding) setSubscriptions(base string, handlers map[string]func(payload json.RawMessage)) {
	self.subMutex.Lock()
	defer self.subMutex.Unlock()

	if self.subscriber == nil || base == self.subscribedBase {
		return
	}

	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
	self.subscribedBase = base

	for _, kind := range []string{eventKindCreated, eventKindUpdated, eventKindDestroyed} {
		handler := handlers[kind]
		channel := ""
		if handler != nil {
			channel = base + "." + kind
		}
		unsub, err := self.subscriber.Subscribe(channel, wrapHandler(handler))
		if err != nil {
			glog.Infof("[bind]subscribe %s.%s = %s\n", base, kind, err)
			continue
		}
		self.unsubs = append(self.unsubs, unsub)
	}
}

func wrapHandler(handler func(payload json.RawMessage)) func(payload json.RawMessage) {
	if handler == nil {
		return func(payload json.RawMessage) {}
	}
	return handler
}

func withId(attrs Attrs, entityId any) Attrs {
	if _, ok := attrs[idKey]; ok {
		return attrs
	}
	return mergeAttrs(attrs, Attrs{idKey: entityId})
}
