package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// FetchTree retrieves the complete node hierarchy for the account.
// The root node is always present in the result.
func (c *Client) FetchTree(ctx context.Context) ([]NodeEntry, error) {
	c.logger.Info("fetching node tree")

	resp, err := c.Do(ctx, http.MethodGet, "/nodes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Nodes []nodeResponse `json:"nodes"`
	}

	if decErr := json.NewDecoder(resp.Body).Decode(&body); decErr != nil {
		return nil, fmt.Errorf("remote: decoding node tree response: %w", decErr)
	}

	entries := make([]NodeEntry, 0, len(body.Nodes))
	for _, n := range body.Nodes {
		entries = append(entries, n.toEntry(c.logger))
	}

	c.logger.Debug("node tree fetched", slog.Int("count", len(entries)))

	return entries, nil
}

// ListChildren retrieves the immediate children of a node.
func (c *Client) ListChildren(ctx context.Context, nodeID string) ([]NodeEntry, error) {
	c.logger.Debug("listing children", slog.String("node_id", nodeID))

	resp, err := c.Do(ctx, http.MethodGet, "/nodes/"+nodeID+"/children", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Nodes []nodeResponse `json:"nodes"`
	}

	if decErr := json.NewDecoder(resp.Body).Decode(&body); decErr != nil {
		return nil, fmt.Errorf("remote: decoding children response: %w", decErr)
	}

	entries := make([]NodeEntry, 0, len(body.Nodes))
	for _, n := range body.Nodes {
		entries = append(entries, n.toEntry(c.logger))
	}

	return entries, nil
}

// CreateFolder creates a folder under the given parent and returns the new node.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*NodeEntry, error) {
	c.logger.Info("creating folder",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	resp, err := c.Do(ctx, http.MethodPost, "/folders", jsonBody(map[string]string{
		"parent_id": parentID,
		"name":      name,
	}))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeNode(resp.Body, c.logger)
}

// DeleteNode removes a node. Deleting a folder removes its subtree on the
// authority side.
func (c *Client) DeleteNode(ctx context.Context, nodeID string) error {
	c.logger.Info("deleting node", slog.String("node_id", nodeID))

	resp, err := c.Do(ctx, http.MethodDelete, "/nodes/"+nodeID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return drain(resp.Body)
}

// MoveNode reparents a node and optionally renames it (empty newName keeps
// the current name). Returns the updated node.
func (c *Client) MoveNode(ctx context.Context, nodeID, newParentID, newName string) (*NodeEntry, error) {
	c.logger.Info("moving node",
		slog.String("node_id", nodeID),
		slog.String("new_parent_id", newParentID),
	)

	payload := map[string]string{"parent_id": newParentID}
	if newName != "" {
		payload["name"] = newName
	}

	resp, err := c.Do(ctx, http.MethodPost, "/nodes/"+nodeID+"/move", jsonBody(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeNode(resp.Body, c.logger)
}

// ExportLink creates a public link for a node and returns its URL.
func (c *Client) ExportLink(ctx context.Context, nodeID string) (string, error) {
	c.logger.Info("exporting public link", slog.String("node_id", nodeID))

	resp, err := c.Do(ctx, http.MethodPost, "/nodes/"+nodeID+"/link", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		URL string `json:"url"`
	}

	if decErr := json.NewDecoder(resp.Body).Decode(&body); decErr != nil {
		return "", fmt.Errorf("remote: decoding link response: %w", decErr)
	}

	return body.URL, nil
}

// GetQuota retrieves the account storage usage.
func (c *Client) GetQuota(ctx context.Context) (Quota, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/quota", nil)
	if err != nil {
		return Quota{}, err
	}
	defer resp.Body.Close()

	var body struct {
		TotalBytes int64 `json:"total_bytes"`
		UsedBytes  int64 `json:"used_bytes"`
	}

	if decErr := json.NewDecoder(resp.Body).Decode(&body); decErr != nil {
		return Quota{}, fmt.Errorf("remote: decoding quota response: %w", decErr)
	}

	return Quota{TotalBytes: body.TotalBytes, UsedBytes: body.UsedBytes}, nil
}

// jsonBody returns a body factory that marshals v fresh on every attempt,
// so retries never reuse a consumed reader.
func jsonBody(v any) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("remote: marshaling request body: %w", err)
		}

		return bytes.NewReader(data), nil
	}
}

// decodeNode decodes a single-node JSON response.
func decodeNode(r io.Reader, logger *slog.Logger) (*NodeEntry, error) {
	var n nodeResponse
	if err := json.NewDecoder(r).Decode(&n); err != nil {
		return nil, fmt.Errorf("remote: decoding node response: %w", err)
	}

	entry := n.toEntry(logger)

	return &entry, nil
}

// drain consumes and discards a response body so the connection can be reused.
func drain(r io.Reader) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return fmt.Errorf("remote: draining response body: %w", err)
	}

	return nil
}
