package transport

import (
	"github.com/mirrorll/vitastor/blockstore"
	"github.com/mirrorll/vitastor/storage"
)

// Engine is the subset of *blockstore.Engine the handler needs; declared as
// an interface so tests can drive the handler against a fake.
type Engine interface {
	Submit(op *storage.Op)
}

var _ Engine = (*blockstore.Engine)(nil)

// Handler turns one decoded wire Request into a storage.Op, submits it to
// the engine, and blocks the calling goroutine until the op's callback
// fires — mirroring the teacher's handler.Handler.Handle, generalized from
// dispatch-by-command-name to dispatch-by-opcode.
type Handler struct {
	engine Engine
}

func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// Handle processes req and returns the Response to send back.
func (h *Handler) Handle(req *Request) *Response {
	oid := storage.Oid{Inode: req.Inode, Stripe: req.Stripe}

	switch req.Opcode {
	case OpRead, OpReadDirty:
		return h.handleRead(req, oid)
	case OpWrite:
		return h.handleWrite(req, oid)
	case OpDelete:
		return h.handleDelete(req, oid)
	case OpSync:
		return h.handleSync()
	case OpStable:
		return h.handleStable(req)
	default:
		return &Response{Retval: -1}
	}
}

func (h *Handler) handleRead(req *Request, oid storage.Oid) *Response {
	buf := make([]byte, req.Len)
	op := &storage.Op{
		Opcode:  storage.Opcode(req.Opcode),
		Oid:     oid,
		Version: req.Version,
		Offset:  req.Offset,
		Len:     req.Len,
		Buf:     buf,
	}
	retval := h.submitAndWait(op)
	if retval < 0 {
		buf = nil
	}
	return &Response{Retval: retval, Buf: buf}
}

func (h *Handler) handleWrite(req *Request, oid storage.Oid) *Response {
	op := &storage.Op{
		Opcode: storage.OpWrite,
		Oid:    oid,
		Offset: req.Offset,
		Len:    req.Len,
		Buf:    req.Buf,
	}
	return &Response{Retval: h.submitAndWait(op)}
}

func (h *Handler) handleDelete(req *Request, oid storage.Oid) *Response {
	op := &storage.Op{
		Opcode:  storage.OpDelete,
		Oid:     oid,
		Version: req.Version,
	}
	return &Response{Retval: h.submitAndWait(op)}
}

func (h *Handler) handleSync() *Response {
	op := &storage.Op{Opcode: storage.OpSync}
	return &Response{Retval: h.submitAndWait(op)}
}

func (h *Handler) handleStable(req *Request) *Response {
	versions := make([]storage.OidVersion, len(req.Versions))
	for i, sv := range req.Versions {
		versions[i] = storage.OidVersion{
			Oid:     storage.Oid{Inode: sv.Inode, Stripe: sv.Stripe},
			Version: sv.Version,
		}
	}
	op := &storage.Op{Opcode: storage.OpStable, Versions: versions}
	return &Response{Retval: h.submitAndWait(op)}
}

// submitAndWait submits op and blocks until its callback fires, bridging
// the engine's async callback style to this goroutine's synchronous
// request/response loop.
func (h *Handler) submitAndWait(op *storage.Op) int32 {
	done := make(chan int32, 1)
	op.Callback = func(op *storage.Op, retval int32) {
		done <- retval
	}
	h.engine.Submit(op)
	return <-done
}
