package kernel

import (
	"context"
	"net"
	"strconv"
)

// Proto selects the transport a network kernel drives.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// ModeRead and ModeWrite select whether a network kernel receives or
// sends. They share the Mode type declared in disk.go.
const (
	ModeRead Mode = iota
	ModeWrite
)

// Net performs send-or-recv operations of a fixed packet size against a
// TCP or UDP endpoint.
//
// TCP read mode accepts exactly one connection and reuses it for every
// subsequent epoch — not "accept, close the listener, then somehow
// retry the accept on a dead listener" (a bug in an earlier
// implementation this one corrects: a closed listener can never accept
// again, so the only coherent reading is "accept once, keep the
// conn"). TCP write mode dials once and reuses the dial.
//
// UDP read mode has no peer handshake, so a stray packet from the
// wrong sender is possible; OnWrongPeer fires and the packet is
// discarded, up to MaxRecvTries times, before the epoch gives up on
// that unit — the same "try the next thing before admitting failure"
// shape as a fallback chain, just bounded by a retry count instead of
// a list of alternatives.
type Net struct {
	Exiting     func() bool
	OnWrongPeer func()

	proto   Proto
	mode    Mode
	pktsize uint64

	listener net.Listener
	conn     net.Conn
	peer     *net.UDPAddr
	udp      *net.UDPConn

	Bytes uint64
	Usecs uint64
}

// NewNetTCP builds a TCP kernel. In read mode it listens on addr:port
// and accepts exactly one connection before RunEpoch can make progress;
// in write mode it dials addr:port once.
func NewNetTCP(exiting func() bool, addr string, port int, mode Mode, pktsize uint64) (*Net, error) {
	k := &Net{Exiting: exiting, proto: ProtoTCP, mode: mode, pktsize: pktsize}
	endpoint := net.JoinHostPort(addr, strconv.Itoa(port))

	if mode == ModeWrite {
		conn, err := net.Dial("tcp", endpoint)
		if err != nil {
			return nil, err
		}
		k.conn = conn
		return k, nil
	}

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, err
	}
	k.conn = conn
	return k, nil
}

// NewNetUDP builds a UDP kernel bound (read mode) or connected to a
// peer (write mode).
func NewNetUDP(exiting func() bool, addr string, port int, mode Mode, pktsize uint64) (*Net, error) {
	k := &Net{Exiting: exiting, proto: ProtoUDP, mode: mode, pktsize: pktsize}
	endpoint := net.JoinHostPort(addr, strconv.Itoa(port))

	if mode == ModeWrite {
		raddr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return nil, err
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, err
		}
		k.udp = conn
		k.peer = raddr
		return k, nil
	}

	laddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	k.udp = conn
	return k, nil
}

// Close releases the kernel's socket.
func (k *Net) Close() error {
	if k.conn != nil {
		return k.conn.Close()
	}
	if k.udp != nil {
		return k.udp.Close()
	}
	if k.listener != nil {
		return k.listener.Close()
	}
	return nil
}

// RunEpoch performs up to units send-or-recv operations of pktsize bytes.
func (k *Net) RunEpoch(ctx context.Context, units int) (int, error) {
	buf := make([]byte, k.pktsize)
	done := 0
	for done < units {
		if checkExit(ctx, k.Exiting) {
			break
		}
		if err := k.oneOp(buf); err != nil {
			break
		}
		k.Bytes += k.pktsize
		done++
	}
	return done, nil
}

func (k *Net) oneOp(buf []byte) error {
	if k.proto == ProtoTCP {
		if k.mode == ModeWrite {
			_, err := k.conn.Write(buf)
			return err
		}
		_, err := k.conn.Read(buf)
		return err
	}

	if k.mode == ModeWrite {
		_, err := k.udp.Write(buf)
		return err
	}

	for try := 0; try < MaxRecvTries; try++ {
		n, from, err := k.udp.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if k.peer != nil && from.String() != k.peer.String() {
			if k.OnWrongPeer != nil {
				k.OnWrongPeer()
			}
			continue
		}
		// First successful receive in read mode pins the expected
		// sender, so a later packet from anyone else counts as wrong-peer.
		if k.peer == nil {
			k.peer = from
		}
		_ = n
		return nil
	}
	return errTooManyWrongPeerPackets
}

var errTooManyWrongPeerPackets = netError("too many wrong-peer packets")

type netError string

func (e netError) Error() string { return string(e) }

