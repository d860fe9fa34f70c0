package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"firestige.xyz/iqstream/internal/core"
)

// UDPOptions configures a UDP transport.
type UDPOptions struct {
	Local         string `mapstructure:"local"`  // listen address, e.g. "0.0.0.0:49153"
	Remote        string `mapstructure:"remote"` // device address frames are sent to
	NumRecvFrames int    `mapstructure:"num_recv_frames"`
	RecvFrameSize int    `mapstructure:"recv_frame_size"`
	NumSendFrames int    `mapstructure:"num_send_frames"`
	SendFrameSize int    `mapstructure:"send_frame_size"`
	RecvBuffSize  int    `mapstructure:"recv_buff_size"` // SO_RCVBUF in bytes, 0 keeps the system default
	SendBuffSize  int    `mapstructure:"send_buff_size"`
	BatchSize     int    `mapstructure:"batch_size"` // datagrams per ReadBatch call
}

const defaultBatchSize = 16

// UDP is a transport over one UDP socket. A reader goroutine fills receive
// frames with batched reads; a datagram that arrives while every receive
// frame is held by the caller is dropped and counted.
type UDP struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	remote *net.UDPAddr

	recv *framePool
	send *framePool

	dropped atomic.Uint64
	readErr atomic.Value // error

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewUDP opens the socket and starts the reader goroutine.
func NewUDP(opts UDPOptions) (*UDP, error) {
	if opts.Local == "" {
		opts.Local = ":0"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	var remote *net.UDPAddr
	if opts.Remote != "" {
		addr, err := net.ResolveUDPAddr("udp4", opts.Remote)
		if err != nil {
			return nil, fmt.Errorf("resolve remote %s: %w", opts.Remote, err)
		}
		remote = addr
	}

	lc := net.ListenConfig{Control: socketControl(opts)}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", opts.Local)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Local, err)
	}
	conn := pconn.(*net.UDPConn)

	ctx, cancel := context.WithCancel(context.Background())
	u := &UDP{
		conn:   conn,
		pc:     ipv4.NewPacketConn(conn),
		remote: remote,
		recv:   newFramePool(opts.NumRecvFrames, opts.RecvFrameSize),
		send:   newFramePool(opts.NumSendFrames, opts.SendFrameSize),
		cancel: cancel,
	}

	u.wg.Add(1)
	go u.readLoop(ctx, opts.BatchSize)

	slog.Info("udp transport opened",
		"local", conn.LocalAddr().String(),
		"remote", opts.Remote,
		"recv_frames", u.recv.frames(),
		"recv_frame_size", u.recv.size)
	return u, nil
}

// LocalAddr returns the bound socket address.
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) readLoop(ctx context.Context, batch int) {
	defer u.wg.Done()

	msgs := make([]ipv4.Message, batch)
	held := make([][]byte, batch)
	scratch := make([]byte, u.recv.size)

	for {
		if ctx.Err() != nil {
			return
		}

		// take as many free frames as are available, at least one slot
		// reads into scratch so a full pool drains the socket
		n := 0
		for n < batch {
			f, _ := u.recv.grab(0)
			if f == nil {
				break
			}
			held[n] = f
			n++
		}
		if n == 0 {
			held[0] = scratch
			n = 1
		}
		for i := 0; i < n; i++ {
			msgs[i].Buffers = [][]byte{held[i]}
			msgs[i].N = 0
		}

		got, err := u.pc.ReadBatch(msgs[:n], 0)
		if err != nil {
			for i := 0; i < n; i++ {
				if &held[i][0] != &scratch[0] {
					u.recv.put(held[i])
				}
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			u.readErr.Store(err)
			u.recv.close()
			return
		}

		for i := 0; i < n; i++ {
			isScratch := &held[i][0] == &scratch[0]
			switch {
			case i >= got:
				if !isScratch {
					u.recv.put(held[i])
				}
			case isScratch:
				u.dropped.Add(1)
			default:
				u.recv.push(held[i][:msgs[i].N])
			}
		}
	}
}

func (u *UDP) GetRecvBuff(timeout time.Duration) (RecvBuffer, error) {
	f, err := u.recv.next(timeout)
	if err != nil {
		if e, ok := u.readErr.Load().(error); ok {
			return nil, fmt.Errorf("udp receive: %w", e)
		}
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	return &recvFrame{pool: u.recv, data: f}, nil
}

func (u *UDP) GetSendBuff(timeout time.Duration) (SendBuffer, error) {
	if u.remote == nil {
		return nil, fmt.Errorf("%w: udp transport has no remote address", core.ErrConfigInvalid)
	}
	f, err := u.send.grab(timeout)
	if f == nil || err != nil {
		return nil, err
	}
	return &sendFrame{data: f, commit: u.commit}, nil
}

func (u *UDP) commit(data []byte, n int) {
	if n > 0 {
		if _, err := u.conn.WriteToUDP(data[:n], u.remote); err != nil {
			slog.Warn("udp send failed", "remote", u.remote.String(), "error", err)
		}
	}
	u.send.put(data)
}

// Dropped returns the number of datagrams dropped because no receive frame
// was free.
func (u *UDP) Dropped() uint64 {
	return u.dropped.Load()
}

func (u *UDP) NumRecvFrames() int { return u.recv.frames() }
func (u *UDP) RecvFrameSize() int { return u.recv.size }
func (u *UDP) NumSendFrames() int { return u.send.frames() }
func (u *UDP) SendFrameSize() int { return u.send.size }

// Close stops the reader goroutine and closes the socket.
func (u *UDP) Close() error {
	u.cancel()
	err := u.conn.Close()
	u.wg.Wait()
	u.recv.close()
	u.send.close()
	return err
}
