// Package remote implements store.Store as a client of the store API served
// by `pidtune serve`. Each primitive is one HTTP request; the server applies it
// atomically on its own backend, which lets workers on different machines
// share a study.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
)

const backend = "http"

// Client is a remote store.Store.
type Client struct {
	base string
	http *http.Client
}

var _ store.Store = (*Client)(nil)

// New returns a client for the server at baseURL (e.g. http://host:8080).
// A nil httpClient uses a client with a 30s timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, store.Unavailable(backend, fmt.Errorf("invalid server url %q", baseURL))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(u.String(), "/"), http: httpClient}, nil
}

func studyPath(name string, rest ...string) string {
	p := "/v1/studies/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func trialPath(name string, id int64, rest string) string {
	return studyPath(name, "trials", strconv.FormatInt(id, 10), rest)
}

// do sends in as JSON and decodes the reply into out. Transport failures are
// reported as store.ErrStorageUnavailable.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return store.Unavailable(backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &e) != nil || e.Code == "" {
			e.Error = strings.TrimSpace(string(data))
			e.Code = CodeInternal
			if resp.StatusCode >= 500 {
				return store.Unavailable(backend, fmt.Errorf("%s %s: %s", method, path, resp.Status))
			}
		}
		return &Error{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) CreateStudy(ctx context.Context, spec store.StudySpec) (store.StudyInfo, bool, error) {
	if err := spec.Validate(); err != nil {
		return store.StudyInfo{}, false, err
	}
	var resp CreateStudyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/studies", spec, &resp); err != nil {
		return store.StudyInfo{}, false, err
	}
	return resp.Study, resp.Created, nil
}

func (c *Client) GetStudy(ctx context.Context, name string) (store.StudyInfo, error) {
	var info store.StudyInfo
	err := c.do(ctx, http.MethodGet, studyPath(name), nil, &info)
	return info, err
}

func (c *Client) ListStudies(ctx context.Context) ([]store.StudyInfo, error) {
	var infos []store.StudyInfo
	err := c.do(ctx, http.MethodGet, "/v1/studies", nil, &infos)
	return infos, err
}

func (c *Client) DeleteStudy(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, studyPath(name), nil, nil)
}

func (c *Client) Enqueue(ctx context.Context, study string, params space.Vector) (store.Trial, error) {
	var t store.Trial
	err := c.do(ctx, http.MethodPost, studyPath(study, "trials"), EnqueueRequest{Params: params}, &t)
	return t, err
}

func (c *Client) ClaimNext(ctx context.Context, study string, claim store.Claim) (store.Trial, error) {
	if err := claim.Validate(); err != nil {
		return store.Trial{}, err
	}
	var t store.Trial
	err := c.do(ctx, http.MethodPost, studyPath(study, "claim"), claim, &t)
	return t, err
}

func (c *Client) CreateClaimed(ctx context.Context, study string, params space.Vector, claim store.Claim) (store.Trial, error) {
	if err := claim.Validate(); err != nil {
		return store.Trial{}, err
	}
	var t store.Trial
	err := c.do(ctx, http.MethodPost, studyPath(study, "trials", "claimed"),
		CreateClaimedRequest{Params: params, Claim: claim}, &t)
	return t, err
}

func (c *Client) Heartbeat(ctx context.Context, study string, id int64, token string, lease time.Duration) error {
	return c.do(ctx, http.MethodPost, trialPath(study, id, "heartbeat"),
		HeartbeatRequest{Token: token, Lease: lease}, nil)
}

func (c *Client) Commit(ctx context.Context, study string, id int64, outcome store.Outcome) (store.Trial, bool, error) {
	if err := outcome.Validate(); err != nil {
		return store.Trial{}, false, err
	}
	var resp CommitResponse
	if err := c.do(ctx, http.MethodPost, trialPath(study, id, "commit"), outcome, &resp); err != nil {
		return store.Trial{}, false, err
	}
	return resp.Trial, resp.Applied, nil
}

func (c *Client) ReclaimExpired(ctx context.Context, study string, now time.Time, maxClaims int) (int, error) {
	var resp ReclaimResponse
	err := c.do(ctx, http.MethodPost, studyPath(study, "reclaim"),
		ReclaimRequest{Now: now, MaxClaims: maxClaims}, &resp)
	return resp.Reclaimed, err
}

func (c *Client) ReadAll(ctx context.Context, study string) ([]store.Trial, error) {
	var trials []store.Trial
	if err := c.do(ctx, http.MethodGet, studyPath(study, "trials"), nil, &trials); err != nil {
		return nil, err
	}
	if trials == nil {
		trials = []store.Trial{}
	}
	return trials, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
