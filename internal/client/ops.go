package client

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/skyvault/skyvault-go/internal/remote"
	"github.com/skyvault/skyvault-go/internal/transfer"
	"github.com/skyvault/skyvault-go/internal/tree"
)

// List returns the children of the folder at remotePath, sorted by name.
func (c *Client) List(ctx context.Context, remotePath string) ([]tree.Node, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	return s.Tree.List(ctx, remotePath)
}

// Stat returns the node at remotePath.
func (c *Client) Stat(ctx context.Context, remotePath string) (*tree.Node, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	return s.Tree.Resolve(ctx, remotePath)
}

// FreeSpace returns the account storage quota.
func (c *Client) FreeSpace(ctx context.Context) (remote.Quota, error) {
	s, err := c.session(ctx)
	if err != nil {
		return remote.Quota{}, err
	}

	return s.Remote.GetQuota(ctx)
}

// Mkdir creates a folder at remotePath. The parent must already exist.
func (c *Client) Mkdir(ctx context.Context, remotePath string) (*tree.Node, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	parentPath, name := path.Split(remotePath)
	if name == "" {
		return nil, fmt.Errorf("%w: %q is not a creatable folder path", ErrInvalidArgument, remotePath)
	}

	parent, err := s.Tree.Resolve(ctx, path.Clean(parentPath))
	if err != nil {
		return nil, err
	}

	if !parent.IsFolder() {
		return nil, fmt.Errorf("%w: %q", tree.ErrNotFolder, path.Clean(parentPath))
	}

	entry, err := s.Remote.CreateFolder(ctx, parent.ID, name)
	if err != nil {
		return nil, err
	}

	s.Tree.Apply(remote.NewChangeEvent(remote.EventAdd, *entry))

	return s.Tree.Resolve(ctx, remotePath)
}

// Remove deletes the node at remotePath. Removing a folder removes its
// whole subtree.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	node, err := s.Tree.Resolve(ctx, remotePath)
	if err != nil {
		return err
	}

	if node.ParentID == "" {
		return fmt.Errorf("%w: cannot remove the root", ErrInvalidArgument)
	}

	if err := s.Remote.DeleteNode(ctx, node.ID); err != nil {
		return err
	}

	s.Tree.Apply(remote.NewChangeEvent(remote.EventRemove, remote.NodeEntry{ID: node.ID}))

	return nil
}

// Move relocates src to dst. If dst names an existing folder, src moves
// into it keeping its name; otherwise dst's parent must exist and src is
// renamed to dst's final element.
func (c *Client) Move(ctx context.Context, src, dst string) (*tree.Node, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	node, err := s.Tree.Resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	if node.ParentID == "" {
		return nil, fmt.Errorf("%w: cannot move the root", ErrInvalidArgument)
	}

	newParentID, newName, err := c.resolveMoveTarget(ctx, s.Tree, dst)
	if err != nil {
		return nil, err
	}

	entry, err := s.Remote.MoveNode(ctx, node.ID, newParentID, newName)
	if err != nil {
		return nil, err
	}

	s.Tree.Apply(remote.NewChangeEvent(remote.EventUpdate, *entry))

	updated := tree.Node{
		ID: entry.ID, ParentID: entry.ParentID, Name: entry.Name,
		Kind: entry.Kind, Size: entry.Size, ContentMAC: entry.ContentMAC,
		ModifiedAt: entry.ModifiedAt,
	}

	return &updated, nil
}

// resolveMoveTarget maps a destination path to (parent ID, new name).
// An empty name keeps the node's current name.
func (c *Client) resolveMoveTarget(ctx context.Context, cache *tree.Cache, dst string) (string, string, error) {
	if target, err := cache.Resolve(ctx, dst); err == nil {
		if !target.IsFolder() {
			return "", "", fmt.Errorf("%w: destination %q exists", ErrInvalidArgument, dst)
		}

		return target.ID, "", nil
	}

	parentPath, name := path.Split(dst)
	if name == "" {
		return "", "", fmt.Errorf("%w: %q is not a valid destination", ErrInvalidArgument, dst)
	}

	parent, err := cache.Resolve(ctx, path.Clean(parentPath))
	if err != nil {
		return "", "", err
	}

	if !parent.IsFolder() {
		return "", "", fmt.Errorf("%w: %q", tree.ErrNotFolder, path.Clean(parentPath))
	}

	return parent.ID, name, nil
}

// ExportLink creates a public link for the node at remotePath.
func (c *Client) ExportLink(ctx context.Context, remotePath string) (string, error) {
	s, err := c.session(ctx)
	if err != nil {
		return "", err
	}

	node, err := s.Tree.Resolve(ctx, remotePath)
	if err != nil {
		return "", err
	}

	return s.Remote.ExportLink(ctx, node.ID)
}

// DownloadFile fetches the file at remotePath into localPath, decrypting
// and verifying content integrity. Blocks until the transfer is terminal.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) (*transfer.Transfer, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("%w: remote path is required", ErrInvalidArgument)
	}

	if localPath == "" {
		return nil, fmt.Errorf("%w: local path is required", ErrInvalidArgument)
	}

	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	node, err := s.Tree.Resolve(ctx, remotePath)
	if err != nil {
		return nil, err
	}

	if node.IsFolder() {
		return nil, fmt.Errorf("%w: %q is a folder", ErrInvalidArgument, remotePath)
	}

	eng, err := c.engine(s)
	if err != nil {
		return nil, err
	}

	return eng.Download(ctx, node.ID, remotePath, localPath, node.Size, node.ContentMAC)
}

// UploadFile encrypts and uploads the local file to remotePath (the full
// destination path including the file name). Blocks until terminal.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) (*transfer.Transfer, error) {
	if localPath == "" {
		return nil, fmt.Errorf("%w: local path is required", ErrInvalidArgument)
	}

	if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	parentPath, name := path.Split(remotePath)
	if name == "" {
		return nil, fmt.Errorf("%w: %q has no file name", ErrInvalidArgument, remotePath)
	}

	parent, err := s.Tree.Resolve(ctx, path.Clean(parentPath))
	if err != nil {
		return nil, err
	}

	if !parent.IsFolder() {
		return nil, fmt.Errorf("%w: %q", tree.ErrNotFolder, path.Clean(parentPath))
	}

	eng, err := c.engine(s)
	if err != nil {
		return nil, err
	}

	tr, entry, err := eng.Upload(ctx, parent.ID, name, localPath)
	if err != nil {
		return tr, err
	}

	s.Tree.Apply(remote.NewChangeEvent(remote.EventAdd, *entry))

	return tr, nil
}
