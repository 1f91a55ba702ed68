// Package sftptest provides an in-memory SFTP server, for testing clients.
//
// The server speaks protocol versions up to 3 over any pair of pipes.
// Its responses can be held back and released in any order,
// so that tests can drive the client through reordering and timeouts deterministically.
package sftptest

import (
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/encoding/ssh/filexfer/openssh"
	"github.com/pkg/sftpclient/internal/sync"
)

// Hook is called with every request before the server handles it.
// If it returns a non-nil packet, that is sent as the response instead.
type Hook func(req *sshfx.RequestPacket) sshfx.PacketMarshaller

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the protocol version that the server replies with.
func WithVersion(version uint32) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithExtensions replaces the extensions advertised in the version reply.
// By default, all of the openssh extensions are advertised.
func WithExtensions(exts ...*sshfx.ExtensionPair) Option {
	return func(s *Server) {
		s.exts = exts
	}
}

// WithHome sets the directory that relative paths resolve against, which is created if it does not exist.
func WithHome(dir string) Option {
	return func(s *Server) {
		s.home = path.Clean(dir)
	}
}

// WithMaxReadLength caps the length of data returned by any single read,
// making the server return short reads.
func WithMaxReadLength(length int) Option {
	return func(s *Server) {
		s.maxRead = length
	}
}

// WithHook sets a hook that sees every request.
func WithHook(hook Hook) Option {
	return func(s *Server) {
		s.hook = hook
	}
}

type openHandle struct {
	name  string
	file  *memFile
	flags uint32

	dir     bool
	entries []*sshfx.NameEntry
	listed  bool
}

type response struct {
	reqid uint32
	read  bool
	data  []byte
}

// Server is an in-memory SFTP server.
type Server struct {
	version uint32
	exts    []*sshfx.ExtensionPair
	home    string
	maxRead int
	hook    Hook

	fs *memFS

	handles   sync.Map[string, *openHandle]
	handleSeq atomic.Uint64

	wmu sync.Mutex
	wr  io.WriteCloser

	mu       sync.Mutex
	paused   bool
	queue    []response
	requests []sshfx.PacketType

	readsOutstanding    int
	maxReadsOutstanding int
}

// NewServer returns a server with an empty tree, but for the home directory.
func NewServer(opts ...Option) *Server {
	openssh.RegisterExtensions()

	s := &Server{
		version: 3,
		exts: []*sshfx.ExtensionPair{
			openssh.ExtensionPosixRename(),
			openssh.ExtensionStatVFS(),
			openssh.ExtensionFStatVFS(),
			openssh.ExtensionHardlink(),
			openssh.ExtensionFSync(),
		},
		home: "/home/user",
		fs:   newMemFS(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.MkdirAll(s.home); err != nil {
		panic(fmt.Sprintf("sftptest: create home %q: %v", s.home, err))
	}

	return s
}

// Serve handles requests read from rd, writing the responses to wr,
// until rd is closed or a malformed request is received.
// It closes wr before returning.
func (s *Server) Serve(rd io.Reader, wr io.WriteCloser) error {
	s.wmu.Lock()
	s.wr = wr
	s.wmu.Unlock()

	defer wr.Close()

	initialized := false

	dec := sshfx.NewDecoder(sshfx.DefaultMaxPacketLength*4, func(raw *sshfx.RawPacket) error {
		if !initialized {
			if raw.PacketType != sshfx.PacketTypeInit {
				return fmt.Errorf("sftptest: first packet is %s, want %s", raw.PacketType, sshfx.PacketTypeInit)
			}

			initialized = true
			return s.sendVersion()
		}

		return s.handle(raw)
	})

	b := make([]byte, 32*1024)
	for {
		n, err := rd.Read(b)
		if n > 0 {
			if err := dec.Feed(b[:n]); err != nil {
				return err
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

// Close closes the response stream, which the client observes as a lost connection.
func (s *Server) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.wr == nil {
		return nil
	}

	return s.wr.Close()
}

func (s *Server) sendVersion() error {
	ver := &sshfx.VersionPacket{
		Version:    s.version,
		Extensions: s.exts,
	}

	b, err := ver.MarshalBinary()
	if err != nil {
		return err
	}

	return s.Inject(b)
}

// Inject writes raw bytes onto the response stream, bypassing any pause.
func (s *Server) Inject(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.wr == nil {
		return io.ErrClosedPipe
	}

	_, err := s.wr.Write(b)
	return err
}

// Pause holds back all later responses, until they are released.
func (s *Server) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
}

// Queued returns the number of responses being held back.
func (s *Server) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Release sends the held responses at the given queue positions, in the given order.
// The server remains paused.
func (s *Server) Release(order ...int) error {
	s.mu.Lock()
	var out []response
	for _, i := range order {
		if i < 0 || i >= len(s.queue) {
			s.mu.Unlock()
			return fmt.Errorf("sftptest: release position %d out of range, %d queued", i, len(s.queue))
		}
		out = append(out, s.queue[i])
	}

	s.queue = slices.DeleteFunc(s.queue, func(r response) bool {
		return slices.ContainsFunc(out, func(o response) bool { return o.reqid == r.reqid })
	})
	s.mu.Unlock()

	return s.write(out)
}

// Resume sends all held responses in the order they were made, and ends the pause.
func (s *Server) Resume() error {
	s.mu.Lock()
	out := s.queue
	s.queue = nil
	s.paused = false
	s.mu.Unlock()

	return s.write(out)
}

// Drop discards all held responses, so that those requests are never answered.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, resp := range s.queue {
		if resp.read {
			s.readsOutstanding--
		}
	}

	s.queue = nil
}

// Requests returns the types of all requests received so far, in order.
func (s *Server) Requests() []sshfx.PacketType {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.requests)
}

// Count returns how many requests of the given type have been received.
func (s *Server) Count(typ sshfx.PacketType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, t := range s.requests {
		if t == typ {
			n++
		}
	}
	return n
}

// MaxOutstandingReads returns the largest number of read requests that were waiting on a response at once.
func (s *Server) MaxOutstandingReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxReadsOutstanding
}

// OpenHandles returns the number of handles that have been opened, but not yet closed.
func (s *Server) OpenHandles() int {
	return s.handles.Len()
}

func (s *Server) write(out []response) error {
	s.mu.Lock()
	for _, resp := range out {
		if resp.read {
			s.readsOutstanding--
		}
	}
	s.mu.Unlock()

	for _, resp := range out {
		if err := s.Inject(resp.data); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) respond(reqid uint32, read bool, pkt sshfx.PacketMarshaller) error {
	b, err := sshfx.ComposePacket(pkt.MarshalPacket(reqid, nil))
	if err != nil {
		return err
	}

	resp := response{
		reqid: reqid,
		read:  read,
		data:  b,
	}

	s.mu.Lock()
	if s.paused {
		s.queue = append(s.queue, resp)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.write([]response{resp})
}

func (s *Server) handle(raw *sshfx.RawPacket) error {
	reqid := raw.RequestID

	req, err := raw.RequestPacket()

	s.mu.Lock()
	s.requests = append(s.requests, raw.PacketType)
	read := raw.PacketType == sshfx.PacketTypeRead
	if read {
		s.readsOutstanding++
		s.maxReadsOutstanding = max(s.maxReadsOutstanding, s.readsOutstanding)
	}
	s.mu.Unlock()

	if err != nil {
		return s.respond(reqid, read, statusPacket(sshfx.StatusBadMessage, err))
	}

	if s.hook != nil {
		if resp := s.hook(req); resp != nil {
			return s.respond(reqid, read, resp)
		}
	}

	s.fs.mu.Lock()
	resp, err := s.dispatch(req.Request)
	s.fs.mu.Unlock()

	if err != nil {
		resp = statusFromError(err)
	}

	return s.respond(reqid, read, resp)
}

func statusPacket(code sshfx.Status, err error) *sshfx.StatusPacket {
	msg := code.String()
	if err != nil {
		msg = err.Error()
	}

	return &sshfx.StatusPacket{
		StatusCode:   code,
		ErrorMessage: msg,
		LanguageTag:  "en",
	}
}

func statusFromError(err error) *sshfx.StatusPacket {
	var code sshfx.Status
	if errors.As(err, &code) {
		return statusPacket(code, nil)
	}

	return statusPacket(sshfx.StatusFailure, err)
}

var statusOK = &sshfx.StatusPacket{StatusCode: sshfx.StatusOK}

func (s *Server) abs(name string) string {
	if !strings.HasPrefix(name, "/") {
		name = s.home + "/" + name
	}

	return path.Clean(name)
}

func (s *Server) newHandle(h *openHandle) string {
	id := strconv.FormatUint(s.handleSeq.Add(1), 10)

	s.handles.Store(id, h)

	return id
}

func (s *Server) lookupHandle(id string) (*openHandle, error) {
	h, ok := s.handles.Load(id)
	if !ok {
		return nil, sshfx.StatusFailure
	}

	return h, nil
}

func (s *Server) fileHandle(id string) (*openHandle, error) {
	h, err := s.lookupHandle(id)
	if err != nil {
		return nil, err
	}

	if h.dir {
		return nil, sshfx.StatusFailure
	}

	return h, nil
}

// dispatch handles one request, and must be called while holding s.fs.mu.
func (s *Server) dispatch(req sshfx.Packet) (sshfx.PacketMarshaller, error) {
	switch req := req.(type) {
	case *sshfx.OpenPacket:
		return s.open(req)

	case *sshfx.ClosePacket:
		if _, ok := s.handles.LoadAndDelete(req.Handle); !ok {
			return nil, sshfx.StatusFailure
		}
		return statusOK, nil

	case *sshfx.ReadPacket:
		h, err := s.fileHandle(req.Handle)
		if err != nil {
			return nil, err
		}
		if h.flags&sshfx.FlagRead == 0 {
			return nil, sshfx.StatusPermissionDenied
		}

		length := int(req.Length)
		if s.maxRead > 0 {
			length = min(length, s.maxRead)
		}

		data, err := h.file.readAt(req.Offset, length)
		if err != nil {
			return nil, err
		}
		return &sshfx.DataPacket{Data: data}, nil

	case *sshfx.WritePacket:
		h, err := s.fileHandle(req.Handle)
		if err != nil {
			return nil, err
		}
		if h.flags&sshfx.FlagWrite == 0 {
			return nil, sshfx.StatusPermissionDenied
		}

		off := req.Offset
		if h.flags&sshfx.FlagAppend != 0 {
			off = uint64(len(h.file.content))
		}

		h.file.writeAt(req.Data, off)
		return statusOK, nil

	case *sshfx.StatPacket:
		file, _, err := s.fs.fetch(s.abs(req.Path))
		if err != nil {
			return nil, err
		}
		return &sshfx.AttrsPacket{Attrs: file.attrs()}, nil

	case *sshfx.LStatPacket:
		file, err := s.fs.lfetch(s.abs(req.Path))
		if err != nil {
			return nil, err
		}
		return &sshfx.AttrsPacket{Attrs: file.attrs()}, nil

	case *sshfx.FStatPacket:
		h, err := s.lookupHandle(req.Handle)
		if err != nil {
			return nil, err
		}
		return &sshfx.AttrsPacket{Attrs: h.file.attrs()}, nil

	case *sshfx.SetStatPacket:
		file, _, err := s.fs.fetch(s.abs(req.Path))
		if err != nil {
			return nil, err
		}
		if err := file.setattrs(&req.Attrs); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *sshfx.FSetStatPacket:
		h, err := s.lookupHandle(req.Handle)
		if err != nil {
			return nil, err
		}
		if err := h.file.setattrs(&req.Attrs); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *sshfx.OpenDirPacket:
		name := s.abs(req.Path)

		ents, err := s.fs.readdir(name)
		if err != nil {
			return nil, err
		}

		file, _, _ := s.fs.fetch(name)

		return &sshfx.HandlePacket{
			Handle: s.newHandle(&openHandle{
				name:    name,
				file:    file,
				dir:     true,
				entries: ents,
			}),
		}, nil

	case *sshfx.ReadDirPacket:
		h, err := s.lookupHandle(req.Handle)
		if err != nil {
			return nil, err
		}
		if !h.dir {
			return nil, sshfx.StatusFailure
		}
		if h.listed || len(h.entries) == 0 {
			return nil, sshfx.StatusEOF
		}

		h.listed = true
		return &sshfx.NamePacket{Entries: h.entries}, nil

	case *sshfx.RemovePacket:
		name := s.abs(req.Path)
		file, err := s.fs.lfetch(name)
		if err != nil {
			return nil, err
		}
		if file.isdir {
			return nil, sshfx.StatusFailure
		}
		delete(s.fs.files, name)
		return statusOK, nil

	case *sshfx.MkdirPacket:
		perm := sshfx.FileMode(0o755)
		if p, ok := req.Attrs.GetPermissions(); ok {
			perm = p
		}
		if err := s.fs.link(s.abs(req.Path), newMemFile(true, perm)); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *sshfx.RmdirPacket:
		name := s.abs(req.Path)
		file, err := s.fs.lfetch(name)
		if err != nil {
			return nil, err
		}
		if !file.isdir || name == "/" || len(s.fs.children(name)) > 0 {
			return nil, sshfx.StatusFailure
		}
		delete(s.fs.files, name)
		return statusOK, nil

	case *sshfx.RealPathPacket:
		_, name, err := s.fs.fetch(s.abs(req.Path))
		if err != nil {
			return nil, err
		}
		return &sshfx.PathPseudoPacket{Path: name}, nil

	case *sshfx.RenamePacket:
		if err := s.fs.rename(s.abs(req.OldPath), s.abs(req.NewPath), false); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *sshfx.ReadLinkPacket:
		file, err := s.fs.lfetch(s.abs(req.Path))
		if err != nil {
			return nil, err
		}
		if file.symlink == "" {
			return nil, sshfx.StatusFailure
		}
		return &sshfx.PathPseudoPacket{Path: file.symlink}, nil

	case *sshfx.SymlinkPacket:
		link := newMemFile(false, 0o777)
		link.symlink = req.TargetPath
		if err := s.fs.link(s.abs(req.LinkPath), link); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *sshfx.ExtendedPacket:
		return s.extended(req)
	}

	return nil, sshfx.StatusOpUnsupported
}

func (s *Server) open(req *sshfx.OpenPacket) (sshfx.PacketMarshaller, error) {
	name := s.abs(req.Filename)

	file, resolved, err := s.fs.fetch(name)
	switch {
	case err == nil:
		if req.PFlags&(sshfx.FlagCreate|sshfx.FlagExclusive) == sshfx.FlagCreate|sshfx.FlagExclusive {
			return nil, sshfx.StatusFailure
		}

	case req.PFlags&sshfx.FlagCreate != 0:
		perm := sshfx.FileMode(0o644)
		if p, ok := req.Attrs.GetPermissions(); ok {
			perm = p
		}

		file, resolved = newMemFile(false, perm), name
		if err := s.fs.link(name, file); err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	if file.isdir {
		return nil, sshfx.StatusFailure
	}

	if req.PFlags&sshfx.FlagTruncate != 0 {
		file.truncate(0)
	}

	return &sshfx.HandlePacket{
		Handle: s.newHandle(&openHandle{
			name:  resolved,
			file:  file,
			flags: req.PFlags,
		}),
	}, nil
}

func (s *Server) extended(req *sshfx.ExtendedPacket) (sshfx.PacketMarshaller, error) {
	if !slices.ContainsFunc(s.exts, func(ext *sshfx.ExtensionPair) bool { return ext.Name == req.ExtendedRequest }) {
		return nil, sshfx.StatusOpUnsupported
	}

	switch data := req.Data.(type) {
	case *openssh.PosixRenameExtendedPacket:
		if err := s.fs.rename(s.abs(data.OldPath), s.abs(data.NewPath), true); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *openssh.HardlinkExtendedPacket:
		file, err := s.fs.lfetch(s.abs(data.OldPath))
		if err != nil {
			return nil, err
		}
		if file.isdir {
			return nil, sshfx.StatusFailure
		}
		if err := s.fs.link(s.abs(data.NewPath), file); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *openssh.FSyncExtendedPacket:
		if _, err := s.fileHandle(data.Handle); err != nil {
			return nil, err
		}
		return statusOK, nil

	case *openssh.StatVFSExtendedPacket:
		if _, _, err := s.fs.fetch(s.abs(data.Path)); err != nil {
			return nil, err
		}
		return s.statvfs(), nil

	case *openssh.FStatVFSExtendedPacket:
		if _, err := s.lookupHandle(data.Handle); err != nil {
			return nil, err
		}
		return s.statvfs(), nil
	}

	return nil, sshfx.StatusOpUnsupported
}

func (s *Server) statvfs() *openssh.StatVFSExtendedReplyPacket {
	var used uint64
	for _, file := range s.fs.files {
		used += uint64(len(file.content))
	}

	const blockSize, blocks = 4096, 1 << 20

	return &openssh.StatVFSExtendedReplyPacket{
		BlockSize:     blockSize,
		FragmentSize:  blockSize,
		Blocks:        blocks,
		BlocksFree:    blocks - (used+blockSize-1)/blockSize,
		BlocksAvail:   blocks - (used+blockSize-1)/blockSize,
		Files:         1 << 16,
		FilesFree:     1<<16 - uint64(len(s.fs.files)),
		FilesAvail:    1<<16 - uint64(len(s.fs.files)),
		FilesystemID:  0x5f7e57,
		MaxNameLength: 255,
	}
}

// WriteFile stores data as the content of the named file, creating it and its parents as needed.
func (s *Server) WriteFile(name string, data []byte) error {
	name = s.abs(name)

	if err := s.MkdirAll(path.Dir(name)); err != nil {
		return err
	}

	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	file, err := s.fs.lfetch(name)
	if err != nil {
		file = newMemFile(false, 0o644)
		if err := s.fs.link(name, file); err != nil {
			return err
		}
	}

	file.content = slices.Clone(data)
	file.modtime = time.Now()

	return nil
}

// ReadFile returns the content of the named file.
func (s *Server) ReadFile(name string) ([]byte, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	file, _, err := s.fs.fetch(s.abs(name))
	if err != nil {
		return nil, err
	}

	return slices.Clone(file.content), nil
}

// MkdirAll creates the named directory, along with any missing parents.
func (s *Server) MkdirAll(name string) error {
	name = s.abs(name)

	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	var dirs []string
	for dir := name; dir != "/"; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}

	for _, dir := range slices.Backward(dirs) {
		file, err := s.fs.lfetch(dir)
		if err != nil {
			if err := s.fs.link(dir, newMemFile(true, 0o755)); err != nil {
				return err
			}
			continue
		}

		if !file.isdir {
			return fmt.Errorf("sftptest: %s: not a directory", dir)
		}
	}

	return nil
}

// Symlink creates newname as a symbolic link to target.
func (s *Server) Symlink(target, newname string) error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	link := newMemFile(false, 0o777)
	link.symlink = target

	return s.fs.link(s.abs(newname), link)
}
