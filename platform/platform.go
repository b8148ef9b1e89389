// Package platform defines access to the data management platform holding
// container hierarchy and file content, and provides local implementation
// of it backed by SQLite.
package platform

import (
	"context"
	"errors"
	"io"

	"go.uber.org/multierr"

	"fwbids/common"
	"fwbids/meta"
)

var (
	ErrNotFound  = errors.New("container not found")
	ErrAmbiguous = errors.New("more than one container matches")
)

// Client is the platform collaborator used by curation, export and upload.
type Client interface {
	// Tree returns container with all its descendants. Sessions carry their
	// subject under "subject" and project id under "project".
	Tree(ctx context.Context, ctype common.ContainerType, id string) (*meta.Node, error)
	// UpdateInfo replaces info of container.
	UpdateInfo(ctx context.Context, id string, info map[string]any) error
	CreateContainer(ctx context.Context, parentID string, ctype common.ContainerType, data map[string]any) (string, error)
	UploadFile(ctx context.Context, parentID, name string, data map[string]any, r io.Reader) (string, error)
	Download(ctx context.Context, fileID string, w io.Writer) error
	FindProject(ctx context.Context, label string) (string, error)
	// FindChild looks up direct child of parent by label (by code for
	// subjects, by name for files).
	FindChild(ctx context.Context, parentID string, ctype common.ContainerType, label string) (string, error)
}

// SaveInfo stores info of every node of tree which has an id. All nodes are
// attempted, errors are combined.
func SaveInfo(ctx context.Context, c Client, root *meta.Node) error {
	var errs error
	err := root.Walk(func(n *meta.Node, _ []*meta.Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if id := n.ID(); len(id) > 0 {
			errs = multierr.Append(errs, c.UpdateInfo(ctx, id, n.Info()))
		}
		return nil
	})
	return multierr.Append(errs, err)
}
