// Package transport implements the UDP framing layer: socket lifecycle,
// server/client roles, peer tracking, and a background receive loop that
// dispatches decoded frames to callbacks by frame kind.
package transport

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tenzoki/ripcgw/internal/frame"
)

// Role selects whether the transport binds (Server) or connects (Client).
type Role int

const (
	Server Role = iota
	Client
)

// Callbacks hold one slot per frame kind the transport can dispatch.
// Exactly one is invoked per decoded frame, chosen by header.Type.
type Callbacks struct {
	OnRequest  func(h frame.Header, payload []byte)
	OnResponse func(h frame.Header, payload []byte)
	OnEvent    func(h frame.Header, payload []byte)
	OnUnhandled func(h frame.Header)

	// Legacy slot, shared by every frame kind that predates the envelope
	// model (0x01xx, 0x02xx and 0x03xx).
	OnLegacy func(h frame.Header, payload []byte)
}

// Transport owns a UDP socket, a receive goroutine and a send mutex that
// keeps a frame's header and payload atomic on the wire.
type Transport struct {
	role  Role
	debug bool

	conn *net.UDPConn

	sendMu sync.Mutex

	peerMu   sync.Mutex
	lastPeer *net.UDPAddr // server: most recent sender. client: connected peer.

	cb Callbacks

	running   bool
	runningMu sync.Mutex
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Transport with debug logging gated by debug.
func New(debug bool) *Transport {
	return &Transport{debug: debug, stopCh: make(chan struct{})}
}

// SetCallbacks installs the dispatch table. Safe to call before Start.
func (t *Transport) SetCallbacks(cb Callbacks) {
	t.cb = cb
}

// StartServer binds addr (host:port, or :port for all interfaces) and
// begins receiving.
func (t *Transport) StartServer(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve bind address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	if err := setReuseAddr(conn); err != nil && t.debug {
		log.Printf("Transport: SO_REUSEADDR not set: %v", err)
	}
	t.role = Server
	t.conn = conn
	return t.startRecvLoop()
}

// StartClient connects to peer (host:port) in the datagram pseudo-connect
// sense: subsequent sends default to this address, and only datagrams
// from it are read as matching a "connected" socket.
func (t *Transport) StartClient(peer string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return fmt.Errorf("transport: resolve peer address %q: %w", peer, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("transport: dial %q: %w", peer, err)
	}
	t.role = Client
	t.conn = conn
	t.peerMu.Lock()
	t.lastPeer = udpAddr
	t.peerMu.Unlock()
	return t.startRecvLoop()
}

func (t *Transport) startRecvLoop() error {
	t.runningMu.Lock()
	t.running = true
	t.runningMu.Unlock()

	t.wg.Add(1)
	go t.recvLoop()
	return nil
}

// recvLoop blocks on the socket with a 1-second read deadline so it
// re-checks the running flag at least once a second. Stop also closes the
// socket, which ends a pending read at once; the loop then sees stopCh
// closed and returns.
func (t *Transport) recvLoop() {
	defer t.wg.Done()
	buf := make([]byte, 65535+frame.HeaderSize)

	for {
		t.runningMu.Lock()
		running := t.running
		t.runningMu.Unlock()
		if !running {
			return
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
			}
			continue
		}

		if t.role == Server && addr != nil {
			t.peerMu.Lock()
			t.lastPeer = addr
			t.peerMu.Unlock()
		}

		h, payload, err := frame.Decode(buf[:n])
		if err != nil {
			// Malformed or foreign datagram: discarded silently, per
			// the framing contract — a public UDP port must not log-flood
			// on garbage traffic.
			continue
		}
		t.dispatch(h, payload)
	}
}

func (t *Transport) dispatch(h frame.Header, payload []byte) {
	switch h.Type {
	case frame.KindReq:
		if t.cb.OnRequest != nil {
			t.cb.OnRequest(h, payload)
			return
		}
	case frame.KindRsp:
		if t.cb.OnResponse != nil {
			t.cb.OnResponse(h, payload)
			return
		}
	case frame.KindEvt:
		if t.cb.OnEvent != nil {
			t.cb.OnEvent(h, payload)
			return
		}
	default:
		if h.Type>>8 == 0x01 || h.Type>>8 == 0x02 || h.Type>>8 == 0x03 {
			if t.cb.OnLegacy != nil {
				t.cb.OnLegacy(h, payload)
				return
			}
		}
	}
	if t.cb.OnUnhandled != nil {
		t.cb.OnUnhandled(h)
	}
}

// Send assembles header+payload and emits it as one datagram to the
// current peer (server: last_peer; client: the connected peer). Sending
// before any peer is known fails.
func (t *Transport) Send(kind uint16, corrID uint32, payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	datagram := frame.Encode(kind, corrID, payload, uint64(time.Now().UnixNano()))

	if t.role == Client {
		_, err := t.conn.Write(datagram)
		if err != nil {
			return fmt.Errorf("transport: send: %w", err)
		}
		return nil
	}

	t.peerMu.Lock()
	peer := t.lastPeer
	t.peerMu.Unlock()
	if peer == nil {
		return fmt.Errorf("transport: send: no peer known yet")
	}
	_, err := t.conn.WriteToUDP(datagram, peer)
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// LocalAddr returns the socket's bound local address, e.g. to discover
// the actual port chosen when StartServer was given port 0.
func (t *Transport) LocalAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

// Stop is idempotent: it clears the running flag, joins the receive
// goroutine, and closes the socket.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.runningMu.Lock()
		t.running = false
		t.runningMu.Unlock()
		close(t.stopCh)
		if t.conn != nil {
			t.conn.Close()
		}
		t.wg.Wait()
	})
}

func setReuseAddr(conn *net.UDPConn) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = sc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
