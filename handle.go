package sftp

import (
	"io/fs"
	"sync/atomic"
)

// handle is an open server handle, owned by exactly one File or Dir.
type handle struct {
	value  atomic.Pointer[string]
	closed chan struct{}
}

func (h *handle) init(handle string) {
	h.value.Store(&handle)
	h.closed = make(chan struct{})
}

// get returns the handle, and a channel that is closed once the handle starts closing.
// Requests dispatched with that channel are abandoned rather than sent after the close.
func (h *handle) get() (handle string, cancel <-chan struct{}, err error) {
	p := h.value.Load()
	if p == nil {
		return "", nil, fs.ErrClosed
	}
	return *p, h.closed, nil
}

// close invalidates the handle, and sends SSH_FXP_CLOSE for it.
// Only the first call sends a request, later calls return fs.ErrClosed.
func (h *handle) close(cl *Client) error {
	// The server releases the handle unconditionally on close,
	// so the local copy is invalidated first, even if the request then fails.
	handle := h.value.Swap(nil)
	if handle == nil {
		return fs.ErrClosed
	}

	// Closing this before sending ensures the close is the final request on this handle.
	close(h.closed)

	// Do not pass h.closed here, or the close would never be sent.
	return cl.CloseHandle(*handle)
}
