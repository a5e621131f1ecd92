/* Copyright (c) 2025 perf-reporting authors
 * SPDX-License-Identifier: BSD-3-Clause */
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/rs/zerolog"
)

const perPage = 100

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(s domain.OrgSettings, timeout time.Duration, log zerolog.Logger) *Client {
	base := s.GitLabBaseURL
	if base == "" { base = "https://gitlab.com/api/v4" }
	return &Client{
		baseURL: base,
		token:   s.GitLabToken,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type RawRef struct {
	ID int64 `json:"id"`
}

type MergeRequest struct {
	ID        int64      `json:"id"`
	IID       int64      `json:"iid"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	MergedAt  *time.Time `json:"merged_at"`
	Assignee  *RawRef    `json:"assignee"`
	Author    RawRef     `json:"author"`
}

// AssigneeID is the cross-system identity used to match engineers
// (engineers.gitlab_user_id); zero when the MR has no assignee.
func (m MergeRequest) AssigneeID() int64 {
	if m.Assignee == nil { return 0 }
	return m.Assignee.ID
}

// FetchInRange collects merge requests created in [start, end] across the
// given groups, filtered by state ("merged", "closed", "all"). Each group is
// fully paginated until an empty page. A failing group is logged and skipped:
// MR counts are a secondary metric and partial results are acceptable. The
// result has no defined order across groups; callers aggregate by assignee id.
func (c *Client) FetchInRange(ctx context.Context, start, end time.Time, state string, groupIDs []string) []MergeRequest {
	var out []MergeRequest
	for _, gid := range groupIDs {
		gid = strings.TrimSpace(gid)
		if gid == "" { continue }
		mrs, err := c.fetchGroup(ctx, gid, start, end, state)
		if err != nil {
			c.log.Warn().Err(err).Str("group", gid).Str("state", state).Msg("gitlab: group fetch failed, skipping")
			continue
		}
		out = append(out, mrs...)
	}
	return out
}

func (c *Client) fetchGroup(ctx context.Context, groupID string, start, end time.Time, state string) ([]MergeRequest, error) {
	var out []MergeRequest
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("state", state)
		q.Set("created_after", start.Format(time.RFC3339))
		q.Set("created_before", end.Format(time.RFC3339))
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))
		u := strings.TrimRight(c.baseURL, "/") + "/groups/" + url.PathEscape(groupID) + "/merge_requests?" + q.Encode()
		var batch []MergeRequest
		if err := c.getJSON(ctx, u, &batch); err != nil { return nil, err }
		if len(batch) == 0 { break }
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil { return err }
	if c.token != "" { req.Header.Set("PRIVATE-TOKEN", c.token) }
	resp, err := c.http.Do(req)
	if err != nil { return err }
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gitlab api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
