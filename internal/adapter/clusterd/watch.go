package clusterd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"hyperfleet"
)

// watchEvent is one NDJSON line of a watch stream.
type watchEvent struct {
	Kind  string    `json:"kind"` // "put" or "delete"
	Entry entryBody `json:"entry"`
}

// Watch streams changes under prefix as newline-delimited JSON. The
// returned channel closes when the stream drops for any reason; callers
// resubscribe, per the Registry contract.
func (c *Client) Watch(ctx context.Context, prefix string) (<-chan hyperfleet.RegistryEvent, error) {
	u := c.baseURL.JoinPath(basePath, "watch")
	u.RawQuery = url.Values{"prefix": []string{prefix}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build watch request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", prefix, hyperfleet.Transient(err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp, http.MethodGet, "watch")
	}

	events := make(chan hyperfleet.RegistryEvent)
	go c.readWatch(ctx, prefix, resp.Body, events)
	return events, nil
}

func (c *Client) readWatch(ctx context.Context, prefix string, body io.ReadCloser, events chan<- hyperfleet.RegistryEvent) {
	defer close(events)
	defer body.Close()

	decoder := json.NewDecoder(body)
	for {
		var ev watchEvent
		if err := decoder.Decode(&ev); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				slog.Debug("watch stream dropped", "component", "clusterd", "prefix", prefix, "err", err)
			}
			return
		}

		out := hyperfleet.RegistryEvent{Entry: ev.Entry.entry()}
		switch ev.Kind {
		case "put":
			out.Kind = hyperfleet.EntryPut
		case "delete":
			out.Kind = hyperfleet.EntryDeleted
		default:
			slog.Debug("watch event with unknown kind dropped", "component", "clusterd", "kind", ev.Kind)
			continue
		}

		select {
		case events <- out:
		case <-ctx.Done():
			return
		}
	}
}
