package transport

import (
	"context"
	"encoding/binary"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EpollReactor drives readiness-based I/O for a github.com/lumalabs/risq/client.Client
// via epoll. It owns no sockets itself: a caller registers a callback
// against a file descriptor and EpollReactor invokes it, on the goroutine
// running Run, whenever that descriptor becomes ready.
type EpollReactor struct {
	fd     int
	wakeFd int

	mu    sync.Mutex
	read  map[int]func()
	write map[int]func()

	log *zap.Logger
}

// NewEpollReactor opens the epoll instance and its wake eventfd.
func NewEpollReactor(log *zap.Logger) (*EpollReactor, error) {
	if log == nil {
		log = zap.NewNop()
	}

	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	// https://man7.org/linux/man-pages/man2/eventfd.2.html
	r0, _, errno := syscall.Syscall(syscall.SYS_EVENTFD2, 0, 0, 0)
	if errno != 0 {
		syscall.Close(epfd)
		return nil, errno
	}
	wakeFd := int(r0)

	event := &syscall.EpollEvent{Fd: int32(wakeFd), Events: syscall.EPOLLIN}
	if err := syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, wakeFd, event); err != nil {
		syscall.Close(wakeFd)
		syscall.Close(epfd)
		return nil, err
	}

	return &EpollReactor{
		fd:     epfd,
		wakeFd: wakeFd,
		read:   make(map[int]func()),
		write:  make(map[int]func()),
		log:    log.Named("epoll"),
	}, nil
}

// RegisterConnect arms a level-triggered writable notification, which is
// what a non-blocking connect(2) completes with. It stays armed until
// UnregisterConnect.
func (r *EpollReactor) RegisterConnect(fd int, cb func()) error {
	return r.registerWrite(fd, cb)
}

func (r *EpollReactor) UnregisterConnect(fd int) error {
	return r.unregisterWrite(fd)
}

func (r *EpollReactor) RegisterRead(fd int, cb func()) error {
	r.mu.Lock()
	_, hasWrite := r.write[fd]
	r.read[fd] = cb
	r.mu.Unlock()
	return r.ctl(fd, hasWrite, true)
}

func (r *EpollReactor) UnregisterRead(fd int) error {
	r.mu.Lock()
	delete(r.read, fd)
	_, hasWrite := r.write[fd]
	r.mu.Unlock()
	if !hasWrite {
		return r.del(fd)
	}
	return r.ctl(fd, hasWrite, false)
}

func (r *EpollReactor) RegisterWrite(fd int, cb func()) error {
	return r.registerWrite(fd, cb)
}

func (r *EpollReactor) UnregisterWrite(fd int) error {
	return r.unregisterWrite(fd)
}

func (r *EpollReactor) registerWrite(fd int, cb func()) error {
	r.mu.Lock()
	_, hasRead := r.read[fd]
	r.write[fd] = cb
	r.mu.Unlock()
	return r.ctl(fd, true, hasRead)
}

func (r *EpollReactor) unregisterWrite(fd int) error {
	r.mu.Lock()
	delete(r.write, fd)
	_, hasRead := r.read[fd]
	r.mu.Unlock()
	if !hasRead {
		return r.del(fd)
	}
	return r.ctl(fd, false, hasRead)
}

func (r *EpollReactor) ctl(fd int, write, read bool) error {
	var events uint32
	if read {
		events |= syscall.EPOLLIN
	}
	if write {
		events |= syscall.EPOLLOUT
	}
	ev := &syscall.EpollEvent{Fd: int32(fd), Events: events}

	r.mu.Lock()
	_, known := r.read[fd]
	_, knownW := r.write[fd]
	r.mu.Unlock()

	op := syscall.EPOLL_CTL_MOD
	if !known && !knownW {
		op = syscall.EPOLL_CTL_ADD
	}
	err := syscall.EpollCtl(r.fd, op, fd, ev)
	if err != nil && op == syscall.EPOLL_CTL_MOD {
		return syscall.EpollCtl(r.fd, syscall.EPOLL_CTL_ADD, fd, ev)
	}
	return err
}

func (r *EpollReactor) del(fd int) error {
	err := syscall.EpollCtl(r.fd, syscall.EPOLL_CTL_DEL, fd, nil)
	if err == syscall.ENOENT {
		return nil
	}
	return err
}

// Run polls until ctx is cancelled, dispatching read/write callbacks as
// descriptors become ready. It is meant to be the only blocking call in a
// process built around a Client: everything else is driven from here.
func (r *EpollReactor) Run(ctx context.Context) error {
	events := make([]syscall.EpollEvent, 64)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := syscall.EpollWait(r.fd, events, 200)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFd {
				var buf [8]byte
				syscall.Read(r.wakeFd, buf[:])
				continue
			}

			if events[i].Events&(syscall.EPOLLIN|syscall.EPOLLHUP|syscall.EPOLLERR) != 0 {
				r.mu.Lock()
				cb := r.read[fd]
				r.mu.Unlock()
				if cb != nil {
					cb()
				}
			}
			if events[i].Events&syscall.EPOLLOUT != 0 {
				r.mu.Lock()
				cb := r.write[fd]
				r.mu.Unlock()
				if cb != nil {
					cb()
				}
			}
		}
	}
}

// Wake interrupts a blocked EpollWait, used to get Run to notice ctx was
// cancelled without waiting out the poll timeout.
func (r *EpollReactor) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := syscall.Write(r.wakeFd, buf[:])
	return err
}

func (r *EpollReactor) Close() error {
	return multierr.Combine(syscall.Close(r.wakeFd), syscall.Close(r.fd))
}
