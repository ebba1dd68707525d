package liveresource

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"
)

type testRequest struct {
	method string
	url    string
	body   any
}

type testClient struct {
	mutex    sync.Mutex
	requests []testRequest
	respond  func(method string, url string, body any) (*HttpResponse, error)
}

func newTestClient(respond func(method string, url string, body any) (*HttpResponse, error)) *testClient {
	return &testClient{
		respond: respond,
	}
}

func (self *testClient) do(method string, url string, body any) (*HttpResponse, error) {
	self.mutex.Lock()
	self.requests = append(self.requests, testRequest{
		method: method,
		url:    url,
		body:   body,
	})
	respond := self.respond
	self.mutex.Unlock()
	return respond(method, url, body)
}

func (self *testClient) Get(ctx context.Context, url string) (*HttpResponse, error) {
	return self.do("GET", url, nil)
}

func (self *testClient) Post(ctx context.Context, url string, body any) (*HttpResponse, error) {
	return self.do("POST", url, body)
}

func (self *testClient) Put(ctx context.Context, url string, body any) (*HttpResponse, error) {
	return self.do("PUT", url, body)
}

func (self *testClient) Delete(ctx context.Context, url string) (*HttpResponse, error) {
	return self.do("DELETE", url, nil)
}

func (self *testClient) countRequests(method string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, request := range self.requests {
		if request.method == method {
			count += 1
		}
	}
	return count
}

func (self *testClient) lastRequest(method string) (testRequest, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for i := len(self.requests) - 1; 0 <= i; i -= 1 {
		if self.requests[i].method == method {
			return self.requests[i], true
		}
	}
	return testRequest{}, false
}

func jsonResponse(v any, headers map[string]string) *HttpResponse {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	header := http.Header{}
	for name, value := range headers {
		header.Set(name, value)
	}
	return &HttpResponse{
		Data:   data,
		Header: header,
	}
}

type testSubscriber struct {
	mutex    sync.Mutex
	handlers map[string][]func(json.RawMessage)
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{
		handlers: map[string][]func(json.RawMessage){},
	}
}

func (self *testSubscriber) Subscribe(channel string, handler func(payload json.RawMessage)) (func(), error) {
	if channel == "" {
		return func() {}, nil
	}
	self.mutex.Lock()
	self.handlers[channel] = append(self.handlers[channel], handler)
	self.mutex.Unlock()
	return func() {
		self.mutex.Lock()
		self.handlers[channel] = nil
		self.mutex.Unlock()
	}, nil
}

func (self *testSubscriber) publish(channel string, payloadJson string) {
	self.mutex.Lock()
	handlers := append([]func(json.RawMessage){}, self.handlers[channel]...)
	self.mutex.Unlock()
	for _, handler := range handlers {
		handler(json.RawMessage(payloadJson))
	}
}

func (self *testSubscriber) channels() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	channels := []string{}
	for channel, handlers := range self.handlers {
		if 0 < len(handlers) {
			channels = append(channels, channel)
		}
	}
	return channels
}

func waitFor(t *testing.T, message string, condition func() bool) {
	endTime := time.Now().Add(5 * time.Second)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", message)
}
