package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skyvault/skyvault-go/internal/tree"
)

// normalizeRemotePath makes a user-supplied remote path absolute and clean.
// "" and "/" both mean the root.
func normalizeRemotePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return path.Clean(p)
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := "/"
			if len(args) > 0 {
				remotePath = normalizeRemotePath(args[0])
			}

			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			nodes, err := c.List(ctx, remotePath)
			if err != nil {
				return friendlyError(fmt.Errorf("listing %q: %w", remotePath, err))
			}

			if flagJSON {
				return printNodesJSON(nodes)
			}

			printNodesTable(nodes)

			return nil
		},
	}
}

// lsJSONItem is the JSON output schema for a single item in ls output.
type lsJSONItem struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	IsFolder   bool   `json:"is_folder"`
	ModifiedAt string `json:"modified_at,omitempty"`
	ID         string `json:"id"`
}

func nodeJSONItem(n tree.Node) lsJSONItem {
	item := lsJSONItem{
		Name:     n.Name,
		Size:     n.Size,
		IsFolder: n.IsFolder(),
		ID:       n.ID,
	}

	if !n.ModifiedAt.IsZero() {
		item.ModifiedAt = n.ModifiedAt.Format("2006-01-02T15:04:05Z")
	}

	return item
}

func printNodesJSON(nodes []tree.Node) error {
	out := make([]lsJSONItem, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeJSONItem(n))
	}

	return printJSON(out)
}

func printNodesTable(nodes []tree.Node) {
	// Folders first, then alphabetical.
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsFolder() != nodes[j].IsFolder() {
			return nodes[i].IsFolder()
		}

		return nodes[i].Name < nodes[j].Name
	})

	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(nodes))

	for _, n := range nodes {
		name := n.Name
		size := formatSize(n.Size)

		if n.IsFolder() {
			name += "/"
			size = "-"
		}

		rows = append(rows, []string{name, size, formatTime(n.ModifiedAt)})
	}

	printTable(os.Stdout, headers, rows)
}

func newGetCmd() *cobra.Command {
	var flagPassword string

	cmd := &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download and decrypt a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := normalizeRemotePath(args[0])
			ctx := cmd.Context()

			localPath := path.Base(remotePath)
			if len(args) > 1 {
				localPath = args[1]
			}

			renderer := newProgressRenderer()

			c, err := connectClient(ctx, renderer)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := ensureUnlocked(ctx, c, flagPassword); err != nil {
				return friendlyError(err)
			}

			if _, err := c.DownloadFile(ctx, remotePath, localPath); err != nil {
				// A partial file means a re-run resumes where this one stopped.
				if _, statErr := os.Stat(localPath + ".partial"); statErr == nil {
					statusf("Partial download kept; re-run the same command to resume.\n")
				}

				return friendlyError(fmt.Errorf("downloading %q: %w", remotePath, err))
			}

			fi, err := os.Stat(localPath)
			if err != nil {
				return fmt.Errorf("stat after download: %w", err)
			}

			statusf("Downloaded %s (%s)\n", localPath, formatSize(fi.Size()))

			return nil
		},
	}

	cmd.Flags().StringVar(&flagPassword, "password", "", "account password for a resumed session")

	return cmd
}

func newPutCmd() *cobra.Command {
	var flagPassword string

	cmd := &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Encrypt and upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPath := args[0]
			ctx := cmd.Context()

			fi, err := os.Stat(localPath)
			if err != nil {
				return fmt.Errorf("stating local file: %w", err)
			}

			if fi.IsDir() {
				return fmt.Errorf("%q is a directory, not a file", localPath)
			}

			remotePath := "/" + filepath.Base(localPath)
			if len(args) > 1 {
				remotePath = normalizeRemotePath(args[1])
			}

			renderer := newProgressRenderer()

			c, err := connectClient(ctx, renderer)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := ensureUnlocked(ctx, c, flagPassword); err != nil {
				return friendlyError(err)
			}

			if _, err := c.UploadFile(ctx, localPath, remotePath); err != nil {
				return friendlyError(fmt.Errorf("uploading %q: %w", remotePath, err))
			}

			statusf("Uploaded %s (%s)\n", remotePath, formatSize(fi.Size()))

			return nil
		},
	}

	cmd.Flags().StringVar(&flagPassword, "password", "", "account password for a resumed session")

	return cmd
}

// dfJSONOutput is the JSON output schema for the df command.
type dfJSONOutput struct {
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
	FreeBytes  int64 `json:"free_bytes"`
}

func newDfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "Show storage quota and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			quota, err := c.FreeSpace(ctx)
			if err != nil {
				return friendlyError(err)
			}

			if flagJSON {
				return printJSON(dfJSONOutput{
					TotalBytes: quota.TotalBytes,
					UsedBytes:  quota.UsedBytes,
					FreeBytes:  quota.Free(),
				})
			}

			printTable(os.Stdout,
				[]string{"TOTAL", "USED", "FREE"},
				[][]string{{formatSize(quota.TotalBytes), formatSize(quota.UsedBytes), formatSize(quota.Free())}},
			)

			return nil
		},
	}
}

// mkdirJSONOutput is the JSON output schema for the mkdir command.
type mkdirJSONOutput struct {
	Created string `json:"created"`
	ID      string `json:"id"`
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := normalizeRemotePath(args[0])
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			node, err := c.Mkdir(ctx, remotePath)
			if err != nil {
				return friendlyError(fmt.Errorf("creating folder %q: %w", remotePath, err))
			}

			if flagJSON {
				return printJSON(mkdirJSONOutput{Created: remotePath, ID: node.ID})
			}

			statusf("Created %s\n", remotePath)

			return nil
		},
	}
}

// rmJSONOutput is the JSON output schema for the rm command.
type rmJSONOutput struct {
	Deleted string `json:"deleted"`
}

func newRmCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder. Folder deletion removes the whole subtree;
use --recursive (-r) to confirm intent when deleting folders.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := normalizeRemotePath(args[0])
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			node, err := c.Stat(ctx, remotePath)
			if err != nil {
				return friendlyError(fmt.Errorf("resolving %q: %w", remotePath, err))
			}

			if node.IsFolder() && !recursive {
				return fmt.Errorf("cannot delete folder %q without --recursive (-r)", remotePath)
			}

			if err := c.Remove(ctx, remotePath); err != nil {
				return friendlyError(fmt.Errorf("deleting %q: %w", remotePath, err))
			}

			if flagJSON {
				return printJSON(rmJSONOutput{Deleted: remotePath})
			}

			statusf("Deleted %s\n", remotePath)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

// mvJSONOutput is the JSON output schema for the mv command.
type mvJSONOutput struct {
	Source string `json:"source"`
	Moved  string `json:"moved"`
	ID     string `json:"id"`
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <source> <destination>",
		Short: "Move or rename a file or folder",
		Long: `Move or rename a file or folder. If the destination is an existing
folder the source moves into it keeping its name; otherwise the source is
renamed to the destination's final element.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := normalizeRemotePath(args[0])
			dst := normalizeRemotePath(args[1])
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			node, err := c.Move(ctx, src, dst)
			if err != nil {
				return friendlyError(fmt.Errorf("moving %q: %w", src, err))
			}

			if flagJSON {
				return printJSON(mvJSONOutput{Source: src, Moved: node.Name, ID: node.ID})
			}

			statusf("Moved %s\n", src)

			return nil
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := normalizeRemotePath(args[0])
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			node, err := c.Stat(ctx, remotePath)
			if err != nil {
				return friendlyError(fmt.Errorf("resolving %q: %w", remotePath, err))
			}

			if flagJSON {
				return printJSON(nodeJSONItem(*node))
			}

			printStatText(node)

			return nil
		},
	}
}

func printStatText(node *tree.Node) {
	kind := "file"
	if node.IsFolder() {
		kind = "folder"
	}

	fmt.Printf("Name:     %s\n", node.Name)
	fmt.Printf("Type:     %s\n", kind)

	if !node.IsFolder() {
		fmt.Printf("Size:     %s (%d bytes)\n", formatSize(node.Size), node.Size)
	}

	if !node.ModifiedAt.IsZero() {
		fmt.Printf("Modified: %s\n", node.ModifiedAt.Format("2006-01-02 15:04:05 UTC"))
	}

	fmt.Printf("ID:       %s\n", node.ID)
}

// linkJSONOutput is the JSON output schema for the link command.
type linkJSONOutput struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

func newLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <path>",
		Short: "Create a public link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := normalizeRemotePath(args[0])
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			url, err := c.ExportLink(ctx, remotePath)
			if err != nil {
				return friendlyError(fmt.Errorf("exporting link for %q: %w", remotePath, err))
			}

			if flagJSON {
				return printJSON(linkJSONOutput{Path: remotePath, URL: url})
			}

			fmt.Println(url)

			return nil
		},
	}
}
