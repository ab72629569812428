package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmdatafocus/pitix_terminal/config"
)

// Client is the authenticated HTTP client for the backend API. All calls take
// an explicit base URL so routing (direct vs via parent relay) stays a
// per-attempt decision owned by the caller.
type Client struct {
	terminalId string
	apiKey     string
	http       *http.Client
}

func NewClient(cfg config.Terminal) *Client {
	return &Client{
		terminalId: cfg.TerminalId,
		apiKey:     cfg.APIKey,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type apiResult struct {
	Status  int
	Body    []byte
	Outcome Outcome
	Err     error
}

func (c *Client) do(ctx context.Context, method, base, path string, body any) apiResult {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apiResult{Outcome: OutcomeFatal, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, reader)
	if err != nil {
		return apiResult{Outcome: OutcomeFatal, Err: err}
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Terminal-Id", c.terminalId)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apiResult{Outcome: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	outcome := classifyStatus(resp.StatusCode)
	var resErr error
	if outcome != OutcomeSuccess && outcome != OutcomeConflict {
		resErr = fmt.Errorf("backend api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return apiResult{Status: resp.StatusCode, Body: raw, Outcome: outcome, Err: resErr}
}

// Ping verifies backend reachability. Finalization must not proceed blind.
func (c *Client) Ping(ctx context.Context, base string) bool {
	res := c.do(ctx, http.MethodGet, base, "/api/health", nil)
	return res.Outcome == OutcomeSuccess
}

// PushOrder upserts an order by its stable local id, attaching the locally
// tracked version. A 409 carries the backend's current version and snapshot.
func (c *Client) PushOrder(ctx context.Context, base string, req OrderPushRequest) (OrderPushResponse, Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/orders/%s", url.PathEscape(c.terminalId), url.PathEscape(req.LocalId))
	res := c.do(ctx, http.MethodPut, base, path, req)
	if res.Outcome != OutcomeSuccess && res.Outcome != OutcomeConflict {
		return OrderPushResponse{}, res.Outcome, res.Err
	}
	var parsed OrderPushResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return OrderPushResponse{}, OutcomeRetryable, err
	}
	return parsed, res.Outcome, nil
}

// DeleteOrder issues a remote delete. A 404 means the order never reached the
// backend; that is success for a delete.
func (c *Client) DeleteOrder(ctx context.Context, base string, localId string) (Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/orders/%s", url.PathEscape(c.terminalId), url.PathEscape(localId))
	res := c.do(ctx, http.MethodDelete, base, path, nil)
	if res.Status == http.StatusNotFound {
		return OutcomeSuccess, nil
	}
	return res.Outcome, res.Err
}

// PushLedgerRecord upserts one financial record by local id.
func (c *Client) PushLedgerRecord(ctx context.Context, base string, req LedgerPushRequest) (LedgerPushResponse, Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/ledger/%s/%s",
		url.PathEscape(c.terminalId), url.PathEscape(req.Kind), url.PathEscape(req.LocalId))
	res := c.do(ctx, http.MethodPut, base, path, req)
	if res.Outcome != OutcomeSuccess {
		return LedgerPushResponse{}, res.Outcome, res.Err
	}
	var parsed LedgerPushResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return LedgerPushResponse{}, OutcomeRetryable, err
	}
	return parsed, OutcomeSuccess, nil
}

// PushTerminalCommand routes an inter-terminal message through the backend.
func (c *Client) PushTerminalCommand(ctx context.Context, base string, env TerminalCommandEnvelope) (Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/commands", url.PathEscape(env.TargetTerminalId))
	res := c.do(ctx, http.MethodPost, base, path, env)
	return res.Outcome, res.Err
}

// Heartbeat posts the status report and returns any commands or pending
// operations the backend wants applied locally.
func (c *Client) Heartbeat(ctx context.Context, base string, beat HeartbeatStatus) (HeartbeatResponse, Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/heartbeat", url.PathEscape(c.terminalId))
	res := c.do(ctx, http.MethodPost, base, path, beat)
	if res.Outcome != OutcomeSuccess {
		return HeartbeatResponse{}, res.Outcome, res.Err
	}
	var parsed HeartbeatResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return HeartbeatResponse{}, OutcomeRetryable, err
	}
	return parsed, OutcomeSuccess, nil
}

// FetchSettings pulls the settings/menu snapshot for local caching.
func (c *Client) FetchSettings(ctx context.Context, base string) (json.RawMessage, Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/settings", url.PathEscape(c.terminalId))
	res := c.do(ctx, http.MethodGet, base, path, nil)
	if res.Outcome != OutcomeSuccess {
		return nil, res.Outcome, res.Err
	}
	return json.RawMessage(res.Body), OutcomeSuccess, nil
}

// FetchMenu pulls the current menu snapshot.
func (c *Client) FetchMenu(ctx context.Context, base string) (json.RawMessage, Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/menu", url.PathEscape(c.terminalId))
	res := c.do(ctx, http.MethodGet, base, path, nil)
	if res.Outcome != OutcomeSuccess {
		return nil, res.Outcome, res.Err
	}
	return json.RawMessage(res.Body), OutcomeSuccess, nil
}

// SubmitDayReport uploads the (possibly aggregated) end-of-day snapshot.
func (c *Client) SubmitDayReport(ctx context.Context, base string, report DayReport) (Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/day-reports", url.PathEscape(c.terminalId))
	res := c.do(ctx, http.MethodPost, base, path, report)
	return res.Outcome, res.Err
}

// FetchDayTotals asks the backend for its counts/totals for the day. Used by
// the optional finalization integrity check.
func (c *Client) FetchDayTotals(ctx context.Context, base string, businessDate string) (DayTotals, Outcome, error) {
	path := fmt.Sprintf("/api/terminals/%s/day-totals?date=%s",
		url.PathEscape(c.terminalId), url.QueryEscape(businessDate))
	res := c.do(ctx, http.MethodGet, base, path, nil)
	if res.Outcome != OutcomeSuccess {
		return DayTotals{}, res.Outcome, res.Err
	}
	var parsed DayTotals
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return DayTotals{}, OutcomeRetryable, err
	}
	return parsed, OutcomeSuccess, nil
}

// FetchSatelliteDayReport pulls a satellite terminal's same-day snapshot over
// the local network for aggregation.
func (c *Client) FetchSatelliteDayReport(ctx context.Context, satelliteURL string, businessDate string) (DayReport, error) {
	res := c.do(ctx, http.MethodGet, satelliteURL, "/relay/day-report?date="+url.QueryEscape(businessDate), nil)
	if res.Outcome != OutcomeSuccess {
		if res.Err != nil {
			return DayReport{}, res.Err
		}
		return DayReport{}, fmt.Errorf("satellite report fetch failed with status %d", res.Status)
	}
	var parsed DayReport
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return DayReport{}, err
	}
	return parsed, nil
}
