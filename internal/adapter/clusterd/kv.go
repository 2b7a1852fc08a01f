package clusterd

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"hyperfleet"
)

// entryBody is the wire form of one KV record.
type entryBody struct {
	Key      string `json:"key"`
	Value    []byte `json:"value"`
	Revision int64  `json:"revision"`
}

func (e entryBody) entry() hyperfleet.Entry {
	return hyperfleet.Entry{Key: e.Key, Value: e.Value, Revision: e.Revision}
}

// writeBody carries a value and optional CAS guard for Put and Update.
type writeBody struct {
	Value []byte `json:"value"`
	// PrevRevision guards the write when Guarded is set. Zero requires
	// the key to not exist.
	PrevRevision int64 `json:"prev_revision"`
	Guarded      bool  `json:"guarded"`
}

type writeResponse struct {
	Revision int64 `json:"revision"`
}

func (c *Client) Get(ctx context.Context, key string) (hyperfleet.Entry, error) {
	var body entryBody
	if err := c.do(ctx, http.MethodGet, "kv/"+key, nil, nil, &body); err != nil {
		return hyperfleet.Entry{}, err
	}
	return body.entry(), nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]hyperfleet.Entry, error) {
	var body []entryBody
	query := url.Values{"prefix": []string{prefix}}
	if err := c.do(ctx, http.MethodGet, "kv", query, nil, &body); err != nil {
		return nil, err
	}
	out := make([]hyperfleet.Entry, len(body))
	for i, e := range body {
		out[i] = e.entry()
	}
	return out, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte) (int64, error) {
	var resp writeResponse
	if err := c.do(ctx, http.MethodPut, "kv/"+key, nil, writeBody{Value: value}, &resp); err != nil {
		return 0, err
	}
	return resp.Revision, nil
}

func (c *Client) Update(ctx context.Context, key string, value []byte, prev int64) (int64, error) {
	var resp writeResponse
	body := writeBody{Value: value, PrevRevision: prev, Guarded: true}
	if err := c.do(ctx, http.MethodPut, "kv/"+key, nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.Revision, nil
}

func (c *Client) Delete(ctx context.Context, key string, prev int64) error {
	var query url.Values
	if prev != 0 {
		query = url.Values{"prev": []string{strconv.FormatInt(prev, 10)}}
	}
	return c.do(ctx, http.MethodDelete, "kv/"+key, query, nil, nil)
}
