package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/query"
)

// remote queries a running fleetwatch daemon.
type remote struct {
	base   string
	apiKey string
	client *http.Client
}

func newRemote(base, apiKey string) remote {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return remote{base: base, apiKey: apiKey, client: http.DefaultClient}
}

func (r remote) Status(ctx context.Context) (query.View, error) {
	var v query.View
	err := r.get(ctx, "/api/fleet/snapshot", &v)
	return v, err
}

func (r remote) Route(ctx context.Context, node, hint string) (fleet.RoutingDecision, error) {
	p := "/api/fleet/route/" + url.PathEscape(node)
	if hint != "" {
		p += "?hint=" + url.QueryEscape(hint)
	}
	var d fleet.RoutingDecision
	err := r.get(ctx, p, &d)
	return d, err
}

func (r remote) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach fleetwatch at %s: %w", r.base, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
