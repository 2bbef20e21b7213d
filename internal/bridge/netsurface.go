package bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/nexus/internal/domain"
)

// RequestOptions configures NetGet/NetPost.
type RequestOptions struct {
	Headers map[string]string
	Timeout time.Duration
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", domain.NewError(domain.ErrInvalidArgument, "invalid url %q", rawURL)
	}
	return u.Hostname(), nil
}

func (b *Bridge) doRequest(req *http.Request, timeout time.Duration) (*domain.Value, error) {
	client := b.http
	if timeout > 0 {
		c := *client
		c.Timeout = timeout
		client = &c
	}
	resp, err := client.Do(req)
	if err != nil {
		if uerr, ok := err.(*url.Error); ok && uerr.Timeout() {
			return nil, domain.WrapError(domain.ErrTimeout, err, "request to %s timed out", req.URL.Host)
		}
		return nil, domain.WrapError(domain.ErrExecutionFailure, err, "request to %s failed", req.URL.Host)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExecutionFailure, err, "read response body")
	}

	headers := make(map[string]*domain.Value, len(resp.Header))
	for k := range resp.Header {
		headers[k] = domain.NewString(resp.Header.Get(k))
	}
	v := domain.NewMap(map[string]*domain.Value{
		"status":  domain.NewInt(int64(resp.StatusCode)),
		"ok":      domain.NewBool(resp.StatusCode >= 200 && resp.StatusCode < 300),
		"body":    domain.NewString(string(body)),
		"headers": domain.NewMap(headers),
		"url":     domain.NewString(req.URL.String()),
	})
	if err := b.TrackValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

// NetGet performs an HTTP GET and returns the Response value.
func (b *Bridge) NetGet(rawURL string, opts RequestOptions) (*domain.Value, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return nil, err
	}
	if err := b.require("net:http", host); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidArgument, err, "build request")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return b.doRequest(req, opts.Timeout)
}

// NetPost performs an HTTP POST. A non-string body is JSON-serialised
// with content type application/json.
func (b *Bridge) NetPost(rawURL string, body any, opts RequestOptions) (*domain.Value, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return nil, err
	}
	if err := b.require("net:http", host); err != nil {
		return nil, err
	}

	var payload []byte
	contentType := "text/plain; charset=utf-8"
	switch t := body.(type) {
	case string:
		payload = []byte(t)
	case []byte:
		payload = t
		contentType = "application/octet-stream"
	default:
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidArgument, err, "serialise body")
		}
		contentType = "application/json"
	}

	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidArgument, err, "build request")
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return b.doRequest(req, opts.Timeout)
}

// NetDownload streams a URL to a file and returns a handle to it.
// onProgress, when non-nil, is invoked with the cumulative byte count
// after each chunk.
func (b *Bridge) NetDownload(rawURL, path string, onProgress func(int64)) (*domain.Value, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return nil, err
	}
	if err := b.require("net:http", host); err != nil {
		return nil, err
	}
	abs := b.resolvePath(path)
	if err := b.require("fs:write", abs); err != nil {
		return nil, err
	}

	resp, err := b.http.Get(rawURL)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExecutionFailure, err, "download %s", rawURL)
	}
	defer resp.Body.Close()

	f, err := os.Create(abs)
	if err != nil {
		return nil, fsError(err, abs)
	}
	defer f.Close()

	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return nil, fsError(werr, abs)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, domain.WrapError(domain.ErrExecutionFailure, rerr, "download %s", rawURL)
		}
	}

	id := b.handles.Put(abs, "file")
	return domain.NewHandle(id, "file"), nil
}

// --- scripted wrappers ---

func requestOptions(o map[string]any) RequestOptions {
	opts := RequestOptions{}
	if o == nil {
		return opts
	}
	if hs, ok := o["headers"].(map[string]any); ok {
		opts.Headers = make(map[string]string, len(hs))
		for k, v := range hs {
			opts.Headers[k] = toString(v)
		}
	}
	if t, ok := o["timeout"].(int64); ok {
		opts.Timeout = time.Duration(t) * time.Millisecond
	}
	return opts
}

func (b *Bridge) jsNetGet(call goja.FunctionCall) goja.Value {
	v, err := b.NetGet(arg(call, 0).String(), requestOptions(optsObject(arg(call, 1))))
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

func (b *Bridge) jsNetPost(call goja.FunctionCall) goja.Value {
	v, err := b.NetPost(arg(call, 0).String(), arg(call, 1).Export(), requestOptions(optsObject(arg(call, 2))))
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

func (b *Bridge) jsNetDownload(call goja.FunctionCall) goja.Value {
	rawURL := arg(call, 0).String()
	path := arg(call, 1).String()
	var onProgress func(int64)
	if o := arg(call, 2); !goja.IsUndefined(o) && !goja.IsNull(o) {
		if obj, ok := o.(*goja.Object); ok {
			if cb, ok := goja.AssertFunction(obj.Get("onProgress")); ok {
				// Download runs on the VM goroutine, so the callback
				// may be invoked directly.
				onProgress = func(n int64) {
					cb(goja.Undefined(), b.vm.ToValue(n))
				}
			}
		}
	}
	v, err := b.NetDownload(rawURL, path, onProgress)
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}
