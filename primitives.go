package sftp

import (
	"context"
	"io"
	"io/fs"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/encoding/ssh/filexfer/openssh"
)

// This file holds one method per request of the protocol.
// Each is offered synchronously, bounded by the operation timeout,
// and as an Async method returning a Future, bounded by the given context.
// Path and handle arguments are sent to the server as given.

// StatVFS holds the statistics of a mounted file system.
type StatVFS = openssh.StatVFSExtendedReplyPacket

func (cl *Client) openHandle(ctx context.Context, name string, pflags uint32, attrs *FileAttributes) (string, error) {
	pkt, err := getPacket[sshfx.HandlePacket](ctx, nil, cl, &sshfx.OpenPacket{
		Filename: name,
		PFlags:   pflags,
		Attrs:    changedAttrs(attrs),
	})
	if err != nil {
		return "", wrapPathError("open", name, err)
	}

	return pkt.Handle, nil
}

// OpenHandle sends SSH_FXP_OPEN with the given sshfx.Flag* open flags,
// and returns the handle of the opened file.
// Only the changed fields of attrs, which may be nil, are sent.
//
// The caller owns the handle, and must close it with CloseHandle.
func (cl *Client) OpenHandle(name string, pflags uint32, attrs *FileAttributes) (string, error) {
	return call(cl, func(ctx context.Context) (string, error) {
		return cl.openHandle(ctx, name, pflags, attrs)
	})
}

// OpenHandleAsync is the asynchronous form of OpenHandle.
func (cl *Client) OpenHandleAsync(ctx context.Context, name string, pflags uint32, attrs *FileAttributes) *Future[string] {
	return goFuture(ctx, func(ctx context.Context) (string, error) {
		return cl.openHandle(ctx, name, pflags, attrs)
	})
}

func (cl *Client) closeHandle(ctx context.Context, handle string) error {
	return cl.sendPacket(ctx, nil, &sshfx.ClosePacket{
		Handle: handle,
	})
}

// CloseHandle sends SSH_FXP_CLOSE for a file or directory handle.
// The handle is invalid afterwards, even if an error is returned.
func (cl *Client) CloseHandle(handle string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.closeHandle(ctx, handle)
	})
}

// CloseHandleAsync is the asynchronous form of CloseHandle.
func (cl *Client) CloseHandleAsync(ctx context.Context, handle string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.closeHandle(ctx, handle)
	})
}

// readHandle reads up to length bytes at offset into buf, which is reused if it is large enough.
// End of file is an empty result, and a nil error.
func (cl *Client) readHandle(ctx context.Context, cancel <-chan struct{}, handle string, offset uint64, length uint32, buf []byte) ([]byte, error) {
	req := &sshfx.ReadPacket{
		Handle: handle,
		Offset: offset,
		Length: length,
	}

	reqid, ch, err := cl.conn.dispatch(ctx, cancel, req)
	if err != nil {
		return nil, err
	}

	resp := sshfx.DataPacket{
		Data: buf[:0],
	}

	if err := cl.recvData(ctx, reqid, ch, length, &resp); err != nil {
		if err == io.EOF {
			return resp.Data[:0], nil
		}

		return nil, err
	}

	return resp.Data, nil
}

// ReadHandle sends SSH_FXP_READ, and returns up to length bytes read from offset.
// At end of file, the result is empty, and the error is nil.
//
// The server may return fewer bytes than requested, even before end of file.
func (cl *Client) ReadHandle(handle string, offset uint64, length uint32) ([]byte, error) {
	return call(cl, func(ctx context.Context) ([]byte, error) {
		return cl.readHandle(ctx, nil, handle, offset, length, nil)
	})
}

// ReadHandleAsync is the asynchronous form of ReadHandle.
func (cl *Client) ReadHandleAsync(ctx context.Context, handle string, offset uint64, length uint32) *Future[[]byte] {
	return goFuture(ctx, func(ctx context.Context) ([]byte, error) {
		return cl.readHandle(ctx, nil, handle, offset, length, nil)
	})
}

func (cl *Client) writeHandle(ctx context.Context, cancel <-chan struct{}, handle string, offset uint64, data []byte) error {
	return cl.sendPacket(ctx, cancel, &sshfx.WritePacket{
		Handle: handle,
		Offset: offset,
		Data:   data,
	})
}

// WriteHandle sends SSH_FXP_WRITE of data at offset, as a single request.
// The data is not copied, and must not be modified until WriteHandle returns.
func (cl *Client) WriteHandle(handle string, offset uint64, data []byte) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.writeHandle(ctx, nil, handle, offset, data)
	})
}

// WriteHandleAsync is the asynchronous form of WriteHandle.
// The data must not be modified until the Future resolves.
func (cl *Client) WriteHandleAsync(ctx context.Context, handle string, offset uint64, data []byte) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.writeHandle(ctx, nil, handle, offset, data)
	})
}

func (cl *Client) stat(ctx context.Context, name string) (*FileAttributes, error) {
	pkt, err := getPacket[sshfx.AttrsPacket](ctx, nil, cl, &sshfx.StatPacket{
		Path: name,
	})
	if err != nil {
		return nil, wrapPathError("stat", name, err)
	}

	return newFileAttributes(&pkt.Attrs), nil
}

// Stat sends SSH_FXP_STAT, returning the attributes of the named file, following symbolic links.
func (cl *Client) Stat(name string) (*FileAttributes, error) {
	return call(cl, func(ctx context.Context) (*FileAttributes, error) {
		return cl.stat(ctx, name)
	})
}

// StatAsync is the asynchronous form of Stat.
func (cl *Client) StatAsync(ctx context.Context, name string) *Future[*FileAttributes] {
	return goFuture(ctx, func(ctx context.Context) (*FileAttributes, error) {
		return cl.stat(ctx, name)
	})
}

func (cl *Client) lstat(ctx context.Context, name string) (*FileAttributes, error) {
	pkt, err := getPacket[sshfx.AttrsPacket](ctx, nil, cl, &sshfx.LStatPacket{
		Path: name,
	})
	if err != nil {
		return nil, wrapPathError("lstat", name, err)
	}

	return newFileAttributes(&pkt.Attrs), nil
}

// LStat sends SSH_FXP_LSTAT, returning the attributes of the named file.
// If the file is a symbolic link, the attributes describe the link itself.
func (cl *Client) LStat(name string) (*FileAttributes, error) {
	return call(cl, func(ctx context.Context) (*FileAttributes, error) {
		return cl.lstat(ctx, name)
	})
}

// LStatAsync is the asynchronous form of LStat.
func (cl *Client) LStatAsync(ctx context.Context, name string) *Future[*FileAttributes] {
	return goFuture(ctx, func(ctx context.Context) (*FileAttributes, error) {
		return cl.lstat(ctx, name)
	})
}

func (cl *Client) fstat(ctx context.Context, cancel <-chan struct{}, handle string) (*FileAttributes, error) {
	pkt, err := getPacket[sshfx.AttrsPacket](ctx, cancel, cl, &sshfx.FStatPacket{
		Handle: handle,
	})
	if err != nil {
		return nil, err
	}

	return newFileAttributes(&pkt.Attrs), nil
}

// FStat sends SSH_FXP_FSTAT, returning the attributes of the open file.
func (cl *Client) FStat(handle string) (*FileAttributes, error) {
	return call(cl, func(ctx context.Context) (*FileAttributes, error) {
		return cl.fstat(ctx, nil, handle)
	})
}

// FStatAsync is the asynchronous form of FStat.
func (cl *Client) FStatAsync(ctx context.Context, handle string) *Future[*FileAttributes] {
	return goFuture(ctx, func(ctx context.Context) (*FileAttributes, error) {
		return cl.fstat(ctx, nil, handle)
	})
}

func (cl *Client) setstat(ctx context.Context, name string, attrs *FileAttributes) error {
	return wrapPathError("setstat", name,
		cl.sendPacket(ctx, nil, &sshfx.SetStatPacket{
			Path:  name,
			Attrs: changedAttrs(attrs),
		}),
	)
}

// SetStat sends SSH_FXP_SETSTAT, changing the attributes of the named file.
// Only the fields of attrs that have been changed are sent.
func (cl *Client) SetStat(name string, attrs *FileAttributes) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.setstat(ctx, name, attrs)
	})
}

// SetStatAsync is the asynchronous form of SetStat.
func (cl *Client) SetStatAsync(ctx context.Context, name string, attrs *FileAttributes) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.setstat(ctx, name, attrs)
	})
}

func (cl *Client) fsetstat(ctx context.Context, cancel <-chan struct{}, handle string, attrs *FileAttributes) error {
	return cl.sendPacket(ctx, cancel, &sshfx.FSetStatPacket{
		Handle: handle,
		Attrs:  changedAttrs(attrs),
	})
}

// FSetStat sends SSH_FXP_FSETSTAT, changing the attributes of the open file.
// Only the fields of attrs that have been changed are sent.
func (cl *Client) FSetStat(handle string, attrs *FileAttributes) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.fsetstat(ctx, nil, handle, attrs)
	})
}

// FSetStatAsync is the asynchronous form of FSetStat.
func (cl *Client) FSetStatAsync(ctx context.Context, handle string, attrs *FileAttributes) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.fsetstat(ctx, nil, handle, attrs)
	})
}

func (cl *Client) openDirHandle(ctx context.Context, name string) (string, error) {
	pkt, err := getPacket[sshfx.HandlePacket](ctx, nil, cl, &sshfx.OpenDirPacket{
		Path: name,
	})
	if err != nil {
		return "", wrapPathError("opendir", name, err)
	}

	return pkt.Handle, nil
}

// OpenDirHandle sends SSH_FXP_OPENDIR, and returns the handle of the opened directory.
//
// The caller owns the handle, and must close it with CloseHandle.
func (cl *Client) OpenDirHandle(name string) (string, error) {
	return call(cl, func(ctx context.Context) (string, error) {
		return cl.openDirHandle(ctx, name)
	})
}

// OpenDirHandleAsync is the asynchronous form of OpenDirHandle.
func (cl *Client) OpenDirHandleAsync(ctx context.Context, name string) *Future[string] {
	return goFuture(ctx, func(ctx context.Context) (string, error) {
		return cl.openDirHandle(ctx, name)
	})
}

func (cl *Client) readDirHandle(ctx context.Context, cancel <-chan struct{}, handle string) ([]*sshfx.NameEntry, error) {
	pkt, err := getPacket[sshfx.NamePacket](ctx, cancel, cl, &sshfx.ReadDirPacket{
		Handle: handle,
	})
	if err != nil {
		return nil, err
	}

	return pkt.Entries, nil
}

// ReadDirHandle sends SSH_FXP_READDIR, and returns the next batch of entries of the open directory.
// At the end of the directory, the error is io.EOF.
func (cl *Client) ReadDirHandle(handle string) ([]*sshfx.NameEntry, error) {
	return call(cl, func(ctx context.Context) ([]*sshfx.NameEntry, error) {
		return cl.readDirHandle(ctx, nil, handle)
	})
}

// ReadDirHandleAsync is the asynchronous form of ReadDirHandle.
func (cl *Client) ReadDirHandleAsync(ctx context.Context, handle string) *Future[[]*sshfx.NameEntry] {
	return goFuture(ctx, func(ctx context.Context) ([]*sshfx.NameEntry, error) {
		return cl.readDirHandle(ctx, nil, handle)
	})
}

func (cl *Client) remove(ctx context.Context, name string) error {
	return wrapPathError("remove", name,
		cl.sendPacket(ctx, nil, &sshfx.RemovePacket{
			Path: name,
		}),
	)
}

// Remove sends SSH_FXP_REMOVE, removing the named file.
// Directories are removed with Rmdir.
func (cl *Client) Remove(name string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.remove(ctx, name)
	})
}

// RemoveAsync is the asynchronous form of Remove.
func (cl *Client) RemoveAsync(ctx context.Context, name string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.remove(ctx, name)
	})
}

func (cl *Client) mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	return wrapPathError("mkdir", name,
		cl.sendPacket(ctx, nil, &sshfx.MkdirPacket{
			Path: name,
			Attrs: sshfx.Attributes{
				Flags:       sshfx.AttrPermissions,
				Permissions: sshfx.FileMode(perm.Perm()),
			},
		}),
	)
}

// Mkdir sends SSH_FXP_MKDIR, creating the named directory.
// An error will be returned if a file or directory with the specified path already exists,
// or if the directory's parent folder does not exist.
func (cl *Client) Mkdir(name string, perm fs.FileMode) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.mkdir(ctx, name, perm)
	})
}

// MkdirAsync is the asynchronous form of Mkdir.
func (cl *Client) MkdirAsync(ctx context.Context, name string, perm fs.FileMode) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.mkdir(ctx, name, perm)
	})
}

func (cl *Client) rmdir(ctx context.Context, name string) error {
	return wrapPathError("rmdir", name,
		cl.sendPacket(ctx, nil, &sshfx.RmdirPacket{
			Path: name,
		}),
	)
}

// Rmdir sends SSH_FXP_RMDIR, removing the named empty directory.
func (cl *Client) Rmdir(name string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.rmdir(ctx, name)
	})
}

// RmdirAsync is the asynchronous form of Rmdir.
func (cl *Client) RmdirAsync(ctx context.Context, name string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.rmdir(ctx, name)
	})
}

func (cl *Client) realpath(ctx context.Context, name string) (string, error) {
	pkt, err := getPacket[sshfx.PathPseudoPacket](ctx, nil, cl, &sshfx.RealPathPacket{
		Path: name,
	})
	if err != nil {
		return "", wrapPathError("realpath", name, err)
	}

	return pkt.Path, nil
}

// RealPath sends SSH_FXP_REALPATH, returning the server canonicalized absolute path for the given path name.
// This is useful for converting path names containing ".." components,
// or relative pathnames without a leading slash into absolute paths.
func (cl *Client) RealPath(name string) (string, error) {
	return call(cl, func(ctx context.Context) (string, error) {
		return cl.realpath(ctx, name)
	})
}

// RealPathAsync is the asynchronous form of RealPath.
func (cl *Client) RealPathAsync(ctx context.Context, name string) *Future[string] {
	return goFuture(ctx, func(ctx context.Context) (string, error) {
		return cl.realpath(ctx, name)
	})
}

func (cl *Client) rename(ctx context.Context, oldpath, newpath string) error {
	if err := cl.requireVersion("rename", 2); err != nil {
		return wrapLinkError("rename", oldpath, newpath, err)
	}

	return wrapLinkError("rename", oldpath, newpath,
		cl.sendPacket(ctx, nil, &sshfx.RenamePacket{
			OldPath: oldpath,
			NewPath: newpath,
		}),
	)
}

// Rename sends SSH_FXP_RENAME, renaming (moving) oldpath to newpath.
// Most servers refuse to replace an existing newpath, see PosixRename.
//
// Rename requires protocol version 2.
func (cl *Client) Rename(oldpath, newpath string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.rename(ctx, oldpath, newpath)
	})
}

// RenameAsync is the asynchronous form of Rename.
func (cl *Client) RenameAsync(ctx context.Context, oldpath, newpath string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.rename(ctx, oldpath, newpath)
	})
}

func (cl *Client) readlink(ctx context.Context, name string) (string, error) {
	if err := cl.requireVersion("readlink", 3); err != nil {
		return "", wrapPathError("readlink", name, err)
	}

	pkt, err := getPacket[sshfx.PathPseudoPacket](ctx, nil, cl, &sshfx.ReadLinkPacket{
		Path: name,
	})
	if err != nil {
		return "", wrapPathError("readlink", name, err)
	}

	return pkt.Path, nil
}

// ReadLink sends SSH_FXP_READLINK, returning the destination of the named symbolic link.
//
// The client cannot guarantee any specific way that a server handles a relative link destination.
// That is, you may receive a relative link destination, one that has been converted to an absolute path.
//
// ReadLink requires protocol version 3.
func (cl *Client) ReadLink(name string) (string, error) {
	return call(cl, func(ctx context.Context) (string, error) {
		return cl.readlink(ctx, name)
	})
}

// ReadLinkAsync is the asynchronous form of ReadLink.
func (cl *Client) ReadLinkAsync(ctx context.Context, name string) *Future[string] {
	return goFuture(ctx, func(ctx context.Context) (string, error) {
		return cl.readlink(ctx, name)
	})
}

func (cl *Client) symlink(ctx context.Context, oldname, newname string) error {
	if err := cl.requireVersion("symlink", 3); err != nil {
		return wrapLinkError("symlink", oldname, newname, err)
	}

	return wrapLinkError("symlink", oldname, newname,
		cl.sendPacket(ctx, nil, &sshfx.SymlinkPacket{
			LinkPath:   newname,
			TargetPath: oldname,
		}),
	)
}

// Symlink sends SSH_FXP_SYMLINK, creating newname as a symbolic link to oldname.
// There is no guarantee for how a server may handle the request if oldname does not exist.
//
// Symlink requires protocol version 3.
func (cl *Client) Symlink(oldname, newname string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.symlink(ctx, oldname, newname)
	})
}

// SymlinkAsync is the asynchronous form of Symlink.
func (cl *Client) SymlinkAsync(ctx context.Context, oldname, newname string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.symlink(ctx, oldname, newname)
	})
}

func (cl *Client) posixRename(ctx context.Context, oldpath, newpath string) error {
	if err := cl.requireExtension("posix-rename", openssh.ExtensionPosixRename()); err != nil {
		return wrapLinkError("posix-rename", oldpath, newpath, err)
	}

	return wrapLinkError("posix-rename", oldpath, newpath,
		cl.sendPacket(ctx, nil, &openssh.PosixRenameExtendedPacket{
			OldPath: oldpath,
			NewPath: newpath,
		}),
	)
}

// PosixRename renames oldpath to newpath with POSIX semantics,
// replacing newpath if it already exists.
//
// It requires the "posix-rename@openssh.com" extension.
func (cl *Client) PosixRename(oldpath, newpath string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.posixRename(ctx, oldpath, newpath)
	})
}

// PosixRenameAsync is the asynchronous form of PosixRename.
func (cl *Client) PosixRenameAsync(ctx context.Context, oldpath, newpath string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.posixRename(ctx, oldpath, newpath)
	})
}

func (cl *Client) statVFS(ctx context.Context, name string) (*StatVFS, error) {
	if err := cl.requireExtension("statvfs", openssh.ExtensionStatVFS()); err != nil {
		return nil, wrapPathError("statvfs", name, err)
	}

	pkt, err := getPacket[openssh.StatVFSExtendedReplyPacket](ctx, nil, cl, &openssh.StatVFSExtendedPacket{
		Path: name,
	})
	if err != nil {
		return nil, wrapPathError("statvfs", name, err)
	}

	return pkt, nil
}

// StatVFS returns the statistics of the file system holding the named file.
//
// It requires the "statvfs@openssh.com" extension.
func (cl *Client) StatVFS(name string) (*StatVFS, error) {
	return call(cl, func(ctx context.Context) (*StatVFS, error) {
		return cl.statVFS(ctx, name)
	})
}

// StatVFSAsync is the asynchronous form of StatVFS.
func (cl *Client) StatVFSAsync(ctx context.Context, name string) *Future[*StatVFS] {
	return goFuture(ctx, func(ctx context.Context) (*StatVFS, error) {
		return cl.statVFS(ctx, name)
	})
}

func (cl *Client) fstatVFS(ctx context.Context, cancel <-chan struct{}, handle string) (*StatVFS, error) {
	if err := cl.requireExtension("fstatvfs", openssh.ExtensionFStatVFS()); err != nil {
		return nil, err
	}

	return getPacket[openssh.StatVFSExtendedReplyPacket](ctx, cancel, cl, &openssh.FStatVFSExtendedPacket{
		Handle: handle,
	})
}

// FStatVFS returns the statistics of the file system holding the open file.
//
// It requires the "fstatvfs@openssh.com" extension.
func (cl *Client) FStatVFS(handle string) (*StatVFS, error) {
	return call(cl, func(ctx context.Context) (*StatVFS, error) {
		return cl.fstatVFS(ctx, nil, handle)
	})
}

// FStatVFSAsync is the asynchronous form of FStatVFS.
func (cl *Client) FStatVFSAsync(ctx context.Context, handle string) *Future[*StatVFS] {
	return goFuture(ctx, func(ctx context.Context) (*StatVFS, error) {
		return cl.fstatVFS(ctx, nil, handle)
	})
}

func (cl *Client) link(ctx context.Context, oldname, newname string) error {
	if err := cl.requireExtension("hardlink", openssh.ExtensionHardlink()); err != nil {
		return wrapLinkError("hardlink", oldname, newname, err)
	}

	return wrapLinkError("hardlink", oldname, newname,
		cl.sendPacket(ctx, nil, &openssh.HardlinkExtendedPacket{
			OldPath: oldname,
			NewPath: newname,
		}),
	)
}

// Link creates newname as a hard link to the oldname file.
//
// It requires the "hardlink@openssh.com" extension.
func (cl *Client) Link(oldname, newname string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.link(ctx, oldname, newname)
	})
}

// LinkAsync is the asynchronous form of Link.
func (cl *Client) LinkAsync(ctx context.Context, oldname, newname string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.link(ctx, oldname, newname)
	})
}

func (cl *Client) fsync(ctx context.Context, cancel <-chan struct{}, handle string) error {
	if err := cl.requireExtension("fsync", openssh.ExtensionFSync()); err != nil {
		return err
	}

	return cl.sendPacket(ctx, cancel, &openssh.FSyncExtendedPacket{
		Handle: handle,
	})
}

// FSync commits the contents of the open file to stable storage.
//
// It requires the "fsync@openssh.com" extension.
func (cl *Client) FSync(handle string) error {
	return callErr(cl, func(ctx context.Context) error {
		return cl.fsync(ctx, nil, handle)
	})
}

// FSyncAsync is the asynchronous form of FSync.
func (cl *Client) FSyncAsync(ctx context.Context, handle string) *Future[struct{}] {
	return goErr(ctx, func(ctx context.Context) error {
		return cl.fsync(ctx, nil, handle)
	})
}
