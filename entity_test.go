package liveresource

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
	"golang.org/x/exp/slices"
)

func newPostBinding(
	t *testing.T,
	entityId any,
	respond func(method string, url string, body any) (*HttpResponse, error),
	settings *EntityBindingSettings,
) (*EntityBinding, *testClient, *testSubscriber) {
	client := newTestClient(respond)
	subscriber := newTestSubscriber()
	deps := &BindingDeps{
		Client:     client,
		Router:     NewConventionRouter("https://api.test"),
		Subscriber: subscriber,
	}
	if settings == nil {
		settings = DefaultEntityBindingSettings()
	}
	binding := NewEntityBinding(context.Background(), "posts", entityId, deps, settings)
	t.Cleanup(binding.Close)
	return binding, client, subscriber
}

func respondPost(post Attrs, headers map[string]string) func(method string, url string, body any) (*HttpResponse, error) {
	return func(method string, url string, body any) (*HttpResponse, error) {
		switch method {
		case "GET":
			return jsonResponse(post, headers), nil
		case "PUT":
			return jsonResponse(body, nil), nil
		default:
			return jsonResponse(Attrs{}, nil), nil
		}
	}
}

func TestEntityInitialLoad(t *testing.T) {
	binding, client, subscriber := newPostBinding(
		t,
		1,
		respondPost(Attrs{"id": 1, "title": "a"}, nil),
		nil,
	)

	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})

	state := binding.State()
	assert.NotEqual(t, nil, state)
	assert.Equal(t, "a", state["title"])

	request, ok := client.lastRequest("GET")
	assert.Equal(t, true, ok)
	assert.Equal(t, "https://api.test/posts/1", request.url)

	// single-id mode suppresses the created subscription
	channels := subscriber.channels()
	assert.Equal(t, false, slices.Contains(channels, "posts.created"))
	assert.Equal(t, true, slices.Contains(channels, "posts.updated"))
	assert.Equal(t, true, slices.Contains(channels, "posts.destroyed"))
}

func TestEntityUpdateLocalOnly(t *testing.T) {
	binding, client, _ := newPostBinding(
		t,
		1,
		respondPost(Attrs{"id": 1, "title": "a", "votes": 3}, nil),
		nil,
	)
	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})

	_, err := binding.UpdateWithMethod(context.Background(), Attrs{"title": "c"}, UpdateMethodLocalOnly)
	assert.Equal(t, nil, err)

	// applied synchronously, no request sent
	state := binding.State()
	assert.Equal(t, "c", state["title"])
	assert.Equal(t, float64(3), state["votes"])
	assert.Equal(t, float64(1), state["id"])
	assert.Equal(t, 0, client.countRequests("PUT"))
}

func TestEntityUpdateOnSuccess(t *testing.T) {
	binding, client, _ := newPostBinding(
		t,
		1,
		respondPost(Attrs{"id": 1, "title": "a"}, nil),
		nil,
	)
	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})

	entity, err := binding.Update(context.Background(), Attrs{"title": "c"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "c", entity["title"])
	assert.Equal(t, "c", binding.State()["title"])

	request, ok := client.lastRequest("PUT")
	assert.Equal(t, true, ok)
	assert.Equal(t, "https://api.test/posts/1", request.url)
}

func TestEntityUpdatedEventMerge(t *testing.T) {
	binding, _, subscriber := newPostBinding(
		t,
		1,
		respondPost(Attrs{"id": 1, "title": "a", "votes": 3}, nil),
		nil,
	)
	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})

	subscriber.publish("posts.updated", `{"id":1,"title":"x"}`)

	state := binding.State()
	assert.Equal(t, "x", state["title"])
	assert.Equal(t, float64(3), state["votes"])
}

func TestEntityDestroyedEvent(t *testing.T) {
	var destroyed atomic.Bool
	settings := DefaultEntityBindingSettings()
	settings.OnDestroyed = func() {
		destroyed.Store(true)
	}
	binding, _, subscriber := newPostBinding(
		t,
		1,
		respondPost(Attrs{"id": 1, "title": "a"}, nil),
		settings,
	)
	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})

	subscriber.publish("posts.destroyed", `1`)

	assert.Equal(t, true, binding.State() == nil)
	assert.Equal(t, true, destroyed.Load())
}

func TestEntityDestroyOnSuccess(t *testing.T) {
	binding, client, _ := newPostBinding(
		t,
		1,
		respondPost(Attrs{"id": 1, "title": "a"}, nil),
		nil,
	)
	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})

	err := binding.Destroy(context.Background())
	assert.Equal(t, nil, err)

	assert.Equal(t, true, binding.State() == nil)
	assert.Equal(t, 1, client.countRequests("DELETE"))
}

func TestEntitySetEntityIdRefetches(t *testing.T) {
	binding, client, _ := newPostBinding(
		t,
		1,
		func(method string, url string, body any) (*HttpResponse, error) {
			switch url {
			case "https://api.test/posts/1":
				return jsonResponse(Attrs{"id": 1, "title": "a"}, nil), nil
			default:
				return jsonResponse(Attrs{"id": 2, "title": "b"}, nil), nil
			}
		},
		nil,
	)
	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})
	assert.Equal(t, "a", binding.State()["title"])

	binding.SetEntityId(2)
	waitFor(t, "refetch", func() bool {
		state := binding.State()
		return !binding.IsLoading() && state != nil && state["title"] == "b"
	})

	request, ok := client.lastRequest("GET")
	assert.Equal(t, true, ok)
	assert.Equal(t, "https://api.test/posts/2", request.url)
}

// routes that address posts by slug instead of the conventional singular
type slugRouter struct{}

func (self *slugRouter) Resolve(routeName string, params map[string]any) (string, error) {
	switch routeName {
	case "posts.show", "posts.update", "posts.destroy":
		return "https://api.test/posts/" + normalizeId(params["slug"]), nil
	default:
		return "https://api.test/posts", nil
	}
}

func TestEntityCustomParamName(t *testing.T) {
	client := newTestClient(respondPost(Attrs{"id": "hello-world"}, nil))
	deps := &BindingDeps{
		Client: client,
		Router: &slugRouter{},
	}
	settings := DefaultEntityBindingSettings()
	settings.ParamName = "slug"

	binding := NewEntityBinding(context.Background(), "posts", "hello-world", deps, settings)
	t.Cleanup(binding.Close)

	waitFor(t, "initial load", func() bool {
		return !binding.IsLoading()
	})

	request, ok := client.lastRequest("GET")
	assert.Equal(t, true, ok)
	// the custom param name carries the id value into the route
	assert.Equal(t, "https://api.test/posts/hello-world", request.url)
}
