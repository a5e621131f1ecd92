/* Copyright (c) 2025 perf-reporting authors
 * SPDX-License-Identifier: BSD-3-Clause */
package clickup

import (
	"context"
	"encoding/json"
	"errors"
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

// Client talks to the ClickUp v2 API with an organization-scoped token.
// Responses are decoded into the typed schemas below; records that fail
// validation are the caller's to skip, not to null-coalesce downstream.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(s domain.OrgSettings, timeout time.Duration, log zerolog.Logger) *Client {
	base := s.ClickUpBaseURL
	if base == "" { base = "https://api.clickup.com/api/v2" }
	return &Client{
		baseURL: base,
		token:   s.ClickUpToken,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type RawUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type RawTag struct {
	Name string `json:"name"`
}

type RawCustomField struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type RawStatus struct {
	Status string `json:"status"`
}

type RawTask struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       RawStatus        `json:"status"`
	TimeEstimate int64            `json:"time_estimate"`
	Parent       *string          `json:"parent"`
	Assignees    []RawUser        `json:"assignees"`
	Tags         []RawTag         `json:"tags"`
	CustomFields []RawCustomField `json:"custom_fields"`
}

// Valid is the ingestion-boundary check: a task without an id, name or status
// name is malformed and gets quarantined by the caller.
func (t RawTask) Valid() bool {
	return strings.TrimSpace(t.ID) != "" && strings.TrimSpace(t.Name) != "" && strings.TrimSpace(t.Status.Status) != ""
}

type TasksPage struct {
	Tasks    []RawTask `json:"tasks"`
	LastPage bool      `json:"last_page"`
}

type RawList struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"` // epoch millis as string
	DueDate   string `json:"due_date"`
}

type listsResponse struct {
	Lists []RawList `json:"lists"`
}

// FetchFolderLists returns the sprint lists of one folder.
func (c *Client) FetchFolderLists(ctx context.Context, folderID string) ([]RawList, error) {
	if folderID == "" { return nil, errors.New("clickup: empty folder id") }
	var out listsResponse
	u := c.apiURL("/folder/"+url.PathEscape(folderID)+"/list", url.Values{"archived": []string{"false"}})
	if err := c.getJSON(ctx, u, &out); err != nil { return nil, err }
	return out.Lists, nil
}

// FetchTaskPage fetches one 0-indexed page of a list's tasks. Any non-2xx
// response is an error; there is no network-level retry here — the only retry
// in the pipeline is the transaction-batch chunking downstream.
func (c *Client) FetchTaskPage(ctx context.Context, listID string, page int) (TasksPage, error) {
	if listID == "" { return TasksPage{}, errors.New("clickup: empty list id") }
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("subtasks", "true")
	q.Set("include_closed", "true")
	u := c.apiURL("/list/"+url.PathEscape(listID)+"/task", q)
	var out TasksPage
	if err := c.getJSON(ctx, u, &out); err != nil { return TasksPage{}, err }
	return out, nil
}

func (c *Client) apiURL(path string, q url.Values) string {
	base := strings.TrimRight(c.baseURL, "/")
	if !strings.HasPrefix(path, "/") { path = "/" + path }
	u := base + path
	if len(q) > 0 { u = u + "?" + q.Encode() }
	return u
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	if c.token == "" { return errors.New("clickup: empty token") }
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil { return err }
	req.Header.Set("Authorization", c.token)
	resp, err := c.http.Do(req)
	if err != nil { return err }
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("clickup api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FieldFirstValue extracts the first value of the named custom field. ClickUp
// encodes dropdown/label values as a string, a number, or an array of either
// strings or {name} objects depending on field type.
func FieldFirstValue(fields []RawCustomField, name string) string {
	for _, f := range fields {
		if !strings.EqualFold(strings.TrimSpace(f.Name), name) { continue }
		if len(f.Value) == 0 { return "" }
		var s string
		if err := json.Unmarshal(f.Value, &s); err == nil { return strings.TrimSpace(s) }
		var n float64
		if err := json.Unmarshal(f.Value, &n); err == nil { return strconv.FormatFloat(n, 'f', -1, 64) }
		var arr []json.RawMessage
		if err := json.Unmarshal(f.Value, &arr); err == nil && len(arr) > 0 {
			if err := json.Unmarshal(arr[0], &s); err == nil { return strings.TrimSpace(s) }
			var obj struct {
				Name  string `json:"name"`
				Label string `json:"label"`
			}
			if err := json.Unmarshal(arr[0], &obj); err == nil {
				if obj.Name != "" { return strings.TrimSpace(obj.Name) }
				return strings.TrimSpace(obj.Label)
			}
		}
		return ""
	}
	return ""
}

// ParseEpochMillis converts ClickUp's string epoch-millis dates; zero time on
// malformed input.
func ParseEpochMillis(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" { return time.Time{} }
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil { return time.Time{} }
	return time.UnixMilli(ms).UTC()
}
