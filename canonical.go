package sftp

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// WorkingDirectory returns the working directory of the session.
// It starts as the server's resolution of ".", and relative paths given to Canonicalize are resolved against it.
func (cl *Client) WorkingDirectory() string {
	cl.wdMu.RLock()
	defer cl.wdMu.RUnlock()

	return cl.wd
}

// ChangeDirectory sets the working directory of the session to the canonical form of name.
// The target must be a directory that the server allows to be opened.
func (cl *Client) ChangeDirectory(name string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.changeDirectory(ctx, name)
	})
}

func (cl *Client) changeDirectory(ctx context.Context, name string) error {
	dir, err := cl.canonicalize(ctx, name)
	if err != nil {
		return err
	}

	handle, err := cl.openDirHandle(ctx, dir)
	if err != nil {
		return err
	}

	if err := cl.closeHandle(ctx, handle); err != nil {
		return wrapPathError("close", dir, err)
	}

	cl.wdMu.Lock()
	defer cl.wdMu.Unlock()

	cl.wd = dir

	return nil
}

// absPath joins a relative name onto the working directory, with a single separator.
func (cl *Client) absPath(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}

	wd := cl.WorkingDirectory()
	if wd == "" {
		return name
	}

	if name == "" {
		return wd
	}

	if strings.HasSuffix(wd, "/") {
		return wd + name
	}

	return wd + "/" + name
}

// Canonicalize returns the canonical absolute form of name.
//
// A relative name is first made absolute against the working directory.
// If the server cannot resolve the whole path, because the leaf does not exist yet,
// the parent is resolved instead, and the leaf is appended to it.
// Paths that cannot be resolved at all are returned in their absolute form.
//
// Server status errors are tolerated, but connection failures and timeouts are returned.
func (cl *Client) Canonicalize(name string) (string, error) {
	return call(cl, func(ctx context.Context) (string, error) {
		return cl.canonicalize(ctx, name)
	})
}

// CanonicalizeAsync is the asynchronous form of Canonicalize.
func (cl *Client) CanonicalizeAsync(ctx context.Context, name string) *Future[string] {
	return goFuture(ctx, func(ctx context.Context) (string, error) {
		return cl.canonicalize(ctx, name)
	})
}

func (cl *Client) canonicalize(ctx context.Context, name string) (string, error) {
	full := cl.absPath(name)

	resolved, err := cl.tryRealpath(ctx, full)
	if err != nil {
		return "", err
	}

	if resolved != "" {
		return resolved, nil
	}

	if full == "/" || strings.HasSuffix(full, "/.") || strings.HasSuffix(full, "/..") || !strings.Contains(full, "/") {
		return full, nil
	}

	parent, leaf := path.Split(full)
	parent = strings.TrimSuffix(parent, "/")
	if parent == "" {
		parent = "/"
	}

	resolved, err = cl.tryRealpath(ctx, parent)
	if err != nil {
		return "", err
	}

	if resolved == "" {
		return full, nil
	}

	if strings.HasSuffix(resolved, "/") {
		return resolved + leaf, nil
	}

	return resolved + "/" + leaf, nil
}

// tryRealpath resolves name, returning an empty path rather than an error if the server refuses.
func (cl *Client) tryRealpath(ctx context.Context, name string) (string, error) {
	resolved, err := cl.realpath(ctx, name)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) {
			return "", nil
		}

		return "", err
	}

	return resolved, nil
}
