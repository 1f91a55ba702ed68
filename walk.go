package sftp

import (
	"os"
	"path"

	"github.com/kr/fs"
)

// remoteFS adapts a Client to the github.com/kr/fs.FileSystem interface.
type remoteFS struct {
	cl *Client
}

func (r remoteFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	return r.cl.Readdir(dirname)
}

func (r remoteFS) Lstat(name string) (os.FileInfo, error) {
	attrs, err := r.cl.LStat(name)
	if err != nil {
		return nil, err
	}

	return attrs.FileInfo(path.Base(name)), nil
}

// Join joins any number of path elements into a single path, adding a separator if necessary.
// The result is Cleaned; in particular, all empty strings are ignored.
//
// The separator is always '/', regardless of the client's platform.
func (remoteFS) Join(elem ...string) string {
	return path.Join(elem...)
}

// Walk returns a new Walker rooted at root.
// Entries are visited in lexical order, and symbolic links are not followed.
func (cl *Client) Walk(root string) *fs.Walker {
	return fs.WalkFS(root, remoteFS{cl: cl})
}

// Join is path.Join, since remote paths always use '/' as the separator.
func (cl *Client) Join(elem ...string) string {
	return path.Join(elem...)
}
