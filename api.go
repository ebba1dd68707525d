package liveresource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// HttpResponse is the part of a response the binding consumes: the raw body
// and the headers (the event-channel override arrives as a header).
type HttpResponse struct {
	Data   []byte
	Header http.Header
}

// HttpClient issues the request/response side of the binding. Implementations
// return an error on transport failure and on any non-2xx status.
type HttpClient interface {
	Get(ctx context.Context, url string) (*HttpResponse, error)
	Post(ctx context.Context, url string, body any) (*HttpResponse, error)
	Put(ctx context.Context, url string, body any) (*HttpResponse, error)
	Delete(ctx context.Context, url string) (*HttpResponse, error)
}

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// ApiClient is the default HttpClient. Bodies are JSON. A non-200 response
// body is surfaced as the error message.
type ApiClient struct {
	ctx context.Context

	byJwt string
}

func NewApiClient(ctx context.Context) *ApiClient {
	return &ApiClient{
		ctx: ctx,
	}
}

// this gets attached to all requests that follow
func (self *ApiClient) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *ApiClient) Get(ctx context.Context, url string) (*HttpResponse, error) {
	return self.request(ctx, "GET", url, nil)
}

func (self *ApiClient) Post(ctx context.Context, url string, body any) (*HttpResponse, error) {
	return self.request(ctx, "POST", url, body)
}

func (self *ApiClient) Put(ctx context.Context, url string, body any) (*HttpResponse, error) {
	return self.request(ctx, "PUT", url, body)
}

func (self *ApiClient) Delete(ctx context.Context, url string) (*HttpResponse, error) {
	return self.request(ctx, "DELETE", url, nil)
}

func (self *ApiClient) request(ctx context.Context, method string, url string, body any) (*HttpResponse, error) {
	var requestBodyBytes []byte
	if body == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "application/json")

	if self.byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", self.byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, readErr := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		return nil, errors.New(errorMessage)
	}

	if readErr != nil {
		return nil, readErr
	}

	return &HttpResponse{
		Data:   responseBodyBytes,
		Header: r.Header,
	}, nil
}
