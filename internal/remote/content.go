package remote

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RequestDownload asks the authority for a pre-authenticated download URL
// for a file node. The returned URL serves the encrypted content and
// supports byte-range requests. The URL embeds auth material and is never
// logged.
func (c *Client) RequestDownload(ctx context.Context, nodeID string) (*DownloadTarget, error) {
	c.logger.Info("requesting download target", slog.String("node_id", nodeID))

	resp, err := c.Do(ctx, http.MethodPost, "/files/"+nodeID+"/download", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		URL           string `json:"url"`
		EncryptedSize int64  `json:"encrypted_size"`
		ContentMAC    string `json:"content_mac"` // hex
	}

	if decErr := json.NewDecoder(resp.Body).Decode(&body); decErr != nil {
		return nil, fmt.Errorf("remote: decoding download target response: %w", decErr)
	}

	mac, err := hex.DecodeString(body.ContentMAC)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid content MAC in download target: %w", err)
	}

	return &DownloadTarget{
		URL:           body.URL,
		EncryptedSize: body.EncryptedSize,
		ContentMAC:    mac,
	}, nil
}

// RequestUpload asks the authority for a pre-authenticated upload target
// under the given parent. encryptedSize is the total ciphertext size the
// target must accept.
func (c *Client) RequestUpload(ctx context.Context, parentID, name string, encryptedSize int64) (*UploadTarget, error) {
	c.logger.Info("requesting upload target",
		slog.String("parent_id", parentID),
		slog.String("name", name),
		slog.Int64("encrypted_size", encryptedSize),
	)

	resp, err := c.Do(ctx, http.MethodPost, "/files/upload", jsonBody(map[string]any{
		"parent_id":      parentID,
		"name":           name,
		"encrypted_size": encryptedSize,
	}))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		NodeID    string `json:"node_id"`
		UploadURL string `json:"upload_url"`
		CommitURL string `json:"commit_url"`
		ExpiresAt string `json:"expires_at"`
	}

	if decErr := json.NewDecoder(resp.Body).Decode(&body); decErr != nil {
		return nil, fmt.Errorf("remote: decoding upload target response: %w", decErr)
	}

	target := &UploadTarget{NodeID: body.NodeID, UploadURL: body.UploadURL, CommitURL: body.CommitURL}

	if body.ExpiresAt != "" {
		ts, parseErr := time.Parse(time.RFC3339, body.ExpiresAt)
		if parseErr != nil {
			c.logger.Warn("invalid upload target expiry, using zero time",
				slog.String("raw", body.ExpiresAt),
			)
		} else {
			target.ExpiresAt = ts
		}
	}

	return target, nil
}

// GetChunk fetches length bytes at offset from a pre-authenticated download
// URL using a Range request. No Authorization header is sent; the URL is
// pre-authenticated. No retry here — chunk retry policy belongs to the
// transfer engine.
func (c *Client) GetChunk(ctx context.Context, url string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("remote: creating chunk request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk request failed: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, fmt.Errorf("%w: reading chunk body: %v", ErrNetwork, err)
	}

	if int64(len(data)) != length {
		return nil, fmt.Errorf("%w: short chunk read: got %d bytes, want %d", ErrNetwork, len(data), length)
	}

	return data, nil
}

// PutChunk uploads one encrypted chunk to a pre-authenticated upload URL
// with a Content-Range header. total is the full encrypted size.
func (c *Client) PutChunk(ctx context.Context, url string, data []byte, offset, total int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("remote: creating chunk upload request: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: chunk upload failed: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusCreated, http.StatusOK, http.StatusNoContent:
		return drain(resp.Body)
	default:
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// CommitUpload finalizes an upload session, binding the declared plaintext
// MAC to the new node. Returns the created node.
func (c *Client) CommitUpload(ctx context.Context, commitURL string, contentMAC []byte) (*NodeEntry, error) {
	payload, err := json.Marshal(map[string]string{
		"content_mac": hex.EncodeToString(contentMAC),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: marshaling commit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, commitURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("remote: creating commit request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: commit request failed: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	return decodeNode(resp.Body, c.logger)
}

// AbortUpload cancels an in-progress upload session (best-effort).
func (c *Client) AbortUpload(ctx context.Context, uploadURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("remote: creating abort request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: abort request failed: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	return drain(resp.Body)
}
