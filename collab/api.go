package collab

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

// a read for a document that does not exist, or that the caller may
// not see. distinct from a transient failure and from still-loading.
var ErrNotFound = errors.New("document not found")

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

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// point reads and writes of prototype documents.
// the scheduler and the change feed depend on this rather than on the
// concrete http client so that tests can substitute a fake store.
type DocumentStore interface {
	// returns `ErrNotFound` when no record exists for the id
	ReadPrototype(ctx context.Context, prototypeId Id) (*Prototype, error)
	// a partial-field write. the returned record is the full
	// authoritative post-write value including the store-stamped
	// `updated_at`. the store serializes concurrent writes to the same
	// record; no version check happens here (last write wins).
	WritePrototype(ctx context.Context, prototypeId Id, update *PrototypeUpdate) (*Prototype, error)
}

// only non-nil fields are written.
// `Steps` must not use omitempty: an empty slice is a real write that
// clears every step, and dropping it from the body would turn a
// delete-all edit into a no-op at the store. nil marshals as json null,
// which the store reads as not-provided.
type PrototypeUpdate struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	PrimaryColor   *string         `json:"primary_color,omitempty"`
	LogoUrl        *string         `json:"logo_url,omitempty"`
	LogoUploadMode *LogoUploadMode `json:"logo_upload_mode,omitempty"`
	Steps          []*Step         `json:"steps"`
}

// the full persistent content of `prototype` as a write.
// a document with no steps carries an explicit empty sequence so the
// store clears the field rather than keeping the previous value.
func NewPrototypeUpdate(prototype *Prototype) *PrototypeUpdate {
	steps := prototype.Steps
	if steps == nil {
		steps = []*Step{}
	}
	return &PrototypeUpdate{
		Name:           &prototype.Name,
		Description:    &prototype.Description,
		PrimaryColor:   &prototype.PrimaryColor,
		LogoUrl:        &prototype.LogoUrl,
		LogoUploadMode: &prototype.LogoUploadMode,
		Steps:          steps,
	}
}

type DocumentStoreApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewDocumentStoreApi(apiUrl string) *DocumentStoreApi {
	return NewDocumentStoreApiWithContext(context.Background(), apiUrl)
}

func NewDocumentStoreApiWithContext(ctx context.Context, apiUrl string) *DocumentStoreApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &DocumentStoreApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *DocumentStoreApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *DocumentStoreApi) Close() {
	self.cancel()
}

type GetPrototypeCallback apiCallback[*Prototype]

func (self *DocumentStoreApi) GetPrototype(prototypeId Id, callback GetPrototypeCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, PrototypeCollection, prototypeId),
		self.byJwt,
		&Prototype{},
		callback,
	)
}

func (self *DocumentStoreApi) GetPrototypeSync(prototypeId Id) (*Prototype, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, PrototypeCollection, prototypeId),
		self.byJwt,
		&Prototype{},
		NewNoopApiCallback[*Prototype](),
	)
}

type UpdatePrototypeCallback apiCallback[*Prototype]

func (self *DocumentStoreApi) UpdatePrototype(prototypeId Id, update *PrototypeUpdate, callback UpdatePrototypeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, PrototypeCollection, prototypeId),
		update,
		self.byJwt,
		&Prototype{},
		callback,
	)
}

func (self *DocumentStoreApi) UpdatePrototypeSync(prototypeId Id, update *PrototypeUpdate) (*Prototype, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, PrototypeCollection, prototypeId),
		update,
		self.byJwt,
		&Prototype{},
		NewNoopApiCallback[*Prototype](),
	)
}

// `DocumentStore` implementation

func (self *DocumentStoreApi) ReadPrototype(ctx context.Context, prototypeId Id) (*Prototype, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, PrototypeCollection, prototypeId),
		self.byJwt,
		&Prototype{},
		NewNoopApiCallback[*Prototype](),
	)
}

func (self *DocumentStoreApi) WritePrototype(ctx context.Context, prototypeId Id, update *PrototypeUpdate) (*Prototype, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, PrototypeCollection, prototypeId),
		update,
		self.byJwt,
		&Prototype{},
		NewNoopApiCallback[*Prototype](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusNotFound == r.StatusCode {
		err = ErrNotFound
		callback.Result(result, err)
		return result, err
	}

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusNotFound == r.StatusCode {
		err = ErrNotFound
		callback.Result(result, err)
		return result, err
	}

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
