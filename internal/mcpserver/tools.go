// Package mcpserver registers MCP tools that report on and control the
// running sync session.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/replica-sync/internal/replica"
	"github.com/alexjbarnes/replica-sync/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Controller is the session surface the tools use. *session.Session
// implements it.
type Controller interface {
	Status() session.Status
	SyncNow()
	ListChanged(ctx context.Context, cursor string, limit int) (replica.Page, error)
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Controller) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the sync scheduler state, retry attempt, counters, subscribed push channels, push connection state, the last push message and replica counts.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Request a sync. The request goes through the normal debounce and is coalesced with any sync already scheduled or running.",
	}, syncNowHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_changed",
		Description: "List containers with local changes not yet accepted by the remote, in id order. Pass next_cursor back as cursor to continue.",
	}, listChangedHandler(c))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// ListChangedInput holds parameters for list_changed.
type ListChangedInput struct {
	Cursor string `json:"cursor,omitempty" jsonschema:"container id to continue after, empty to start from the beginning"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of containers, defaults to 100, at most 500"`
}

// --- Output types ---

// MessageInfo describes the last push message.
type MessageInfo struct {
	Channel   string `json:"channel"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ReplicaInfo summarizes the replica.
type ReplicaInfo struct {
	Containers int   `json:"containers"`
	Changed    int   `json:"changed"`
	Cursor     int64 `json:"cursor"`
}

// StatusResult is the sync_status output.
type StatusResult struct {
	SessionID    string       `json:"session_id"`
	StartedAt    string       `json:"started_at"`
	Connected    bool         `json:"connected"`
	Channels     []string     `json:"channels"`
	State        string       `json:"state"`
	RetryAttempt int          `json:"retry_attempt"`
	Pending      bool         `json:"pending"`
	Syncs        int64        `json:"syncs"`
	Failures     int64        `json:"failures"`
	LastError    string       `json:"last_error,omitempty"`
	LastSuccess  string       `json:"last_success,omitempty"`
	NextRetry    string       `json:"next_retry,omitempty"`
	LastMessage  *MessageInfo `json:"last_message,omitempty"`
	Replica      *ReplicaInfo `json:"replica,omitempty"`
}

// SyncNowResult is the sync_now output.
type SyncNowResult struct {
	Requested bool   `json:"requested"`
	State     string `json:"state"`
}

// ChangedItem is one list_changed entry.
type ChangedItem struct {
	ContainerID string `json:"container_id"`
	Seq         int64  `json:"seq"`
	ChangedAt   string `json:"changed_at"`
}

// ListChangedResult is the list_changed output.
type ListChangedResult struct {
	Items      []ChangedItem `json:"items"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// --- Handlers ---

func statusHandler(c Controller) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := newStatusResult(c.Status())
		return textResult(result), result, nil
	}
}

func syncNowHandler(c Controller) mcp.ToolHandlerFor[SyncNowInput, *SyncNowResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		c.SyncNow()

		result := &SyncNowResult{Requested: true, State: c.Status().Scheduler.State.String()}

		return textResult(result), result, nil
	}
}

func listChangedHandler(c Controller) mcp.ToolHandlerFor[ListChangedInput, *ListChangedResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListChangedInput) (*mcp.CallToolResult, *ListChangedResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		if limit > maxListLimit {
			return nil, nil, fmt.Errorf("limit %d exceeds maximum of %d", limit, maxListLimit)
		}

		page, err := c.ListChanged(ctx, input.Cursor, limit)
		if err != nil {
			return nil, nil, err
		}

		result := &ListChangedResult{
			Items:      make([]ChangedItem, 0, len(page.Items)),
			HasMore:    page.HasMore,
			NextCursor: page.NextCursor,
		}

		for _, item := range page.Items {
			result.Items = append(result.Items, ChangedItem{
				ContainerID: item.ContainerID,
				Seq:         item.Seq,
				ChangedAt:   formatMillis(item.ChangedAt),
			})
		}

		return textResult(result), result, nil
	}
}

func newStatusResult(st session.Status) *StatusResult {
	channels := st.Channels
	if channels == nil {
		channels = []string{}
	}

	r := &StatusResult{
		SessionID:    st.SessionID,
		StartedAt:    formatTime(st.StartedAt),
		Connected:    st.Connected,
		Channels:     channels,
		State:        st.Scheduler.State.String(),
		RetryAttempt: st.Scheduler.RetryAttempt,
		Pending:      st.Scheduler.Pending,
		Syncs:        st.Scheduler.Syncs,
		Failures:     st.Scheduler.Failures,
		LastError:    st.Scheduler.LastError,
		LastSuccess:  formatTime(st.Scheduler.LastSuccess),
		NextRetry:    formatTime(st.Scheduler.NextRetry),
	}

	if m := st.LastMessage; m != nil {
		r.LastMessage = &MessageInfo{
			Channel:   m.Channel,
			Type:      m.Type,
			Timestamp: formatTime(m.Timestamp),
		}
	}

	if s := st.Replica; s != nil {
		r.Replica = &ReplicaInfo{Containers: s.Containers, Changed: s.Changed, Cursor: s.Cursor}
	}

	return r
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}

	return formatTime(time.UnixMilli(ms))
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
