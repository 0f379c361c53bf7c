package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rorqualx/popguard-go/internal/types"
)

// client talks to the popguard API.
type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(base, apiKey string) *client {
	return &client{base: base, apiKey: apiKey, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *client) do(ctx context.Context, req types.Request) (types.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.Response{}, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1", bytes.NewReader(body))
	if err != nil {
		return types.Response{}, err
	}
	hr.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		hr.Header.Set("X-API-Key", c.apiKey)
	}

	res, err := c.http.Do(hr)
	if err != nil {
		return types.Response{}, err
	}
	defer res.Body.Close()

	var resp types.Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return types.Response{}, fmt.Errorf("decode %s response: %w", req.Cmd, err)
	}
	if resp.Status != types.StatusOK {
		return resp, fmt.Errorf("%s: %s", req.Cmd, resp.Message)
	}
	return resp, nil
}

// snapshot is one poll of the service.
type snapshot struct {
	tabs   []types.TabInfo
	guards map[string]types.GuardState
}

// poll lists the tabs and queries the guard state of each.
func (c *client) poll(ctx context.Context) (snapshot, error) {
	resp, err := c.do(ctx, types.Request{Cmd: types.CmdTabsList})
	if err != nil {
		return snapshot{}, err
	}

	s := snapshot{tabs: resp.Tabs, guards: make(map[string]types.GuardState, len(resp.Tabs))}
	for _, t := range resp.Tabs {
		gr, err := c.do(ctx, types.Request{Cmd: types.CmdGuardState, Tab: t.ID})
		if err != nil || gr.Guard == nil {
			// Tab closed between the two calls.
			continue
		}
		s.guards[t.ID] = *gr.Guard
	}
	return s, nil
}

func (c *client) setGuard(ctx context.Context, tabID string, enable bool) error {
	cmd := types.CmdGuardDisable
	if enable {
		cmd = types.CmdGuardEnable
	}
	_, err := c.do(ctx, types.Request{Cmd: cmd, Tab: tabID})
	return err
}
