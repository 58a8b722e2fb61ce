/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dhcp

import (
	"errors"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/sock"
	"github.com/tallgrass-os/kernel/udpraw"
)

// ErrUnknownInterface is returned by Binding/Release for an interface name
// Client.Start was never called with.
var ErrUnknownInterface = errors.New("dhcp: no binding for this interface")

// Client owns the one dedicated UDP socket spec §4.M describes ("a single
// dedicated UDP socket bound to client port 68") and one Binding per
// interface Start is called with. Its shape mirrors tcpstack.Stack and
// udpraw.Stack: a handful of shared collaborators plus a supervised
// background goroutine, adapted here for DHCP's "one shared receive task,
// N per-interface negotiation tasks" split (dhcp.c's dhcp_sock_func vs.
// dhcp_task_func).
type Client struct {
	mtx      sync.Mutex
	bindings map[string]*Binding

	sock     *sock.Socket
	udpStack *udpraw.Stack
	pacer    *rate.Limiter
	log      *klog.Logger

	t tomb.Tomb
}

// NewClient creates the shared client-port-68 socket (udpStack must already
// have had RegisterUDP(AFInet, SOCK_DGRAM, IPPROTO_UDP) called against it,
// cmd/kernsim's boot-time wiring) and starts its receive-dispatch
// goroutine.
func NewClient(udpStack *udpraw.Stack, logger *klog.Logger) (*Client, error) {
	if logger == nil {
		logger = klog.Default()
	}
	s, err := sock.NewSocket(udpraw.AFInet, sock.SockDgram, udpraw.IPProtoUDP, 64, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := s.Bind("0.0.0.0", ClientPort); err != nil {
		return nil, err
	}
	c := &Client{
		bindings: make(map[string]*Binding),
		sock:     s,
		udpStack: udpStack,
		pacer:    rate.NewLimiter(rate.Limit(10), 20),
		log:      logger,
	}
	c.t.Go(c.recvLoop)
	return c, nil
}

// Start brings DHCP up on each interface: one Binding per interface,
// negotiation kicked off concurrently (errgroup's fan-out pattern, the way lxd's migration driver starts its sender/receiver
// goroutines together and waits for both), and a supervised pump goroutine
// per interface forwarding inbound frames into udpStack.InputUDP so DHCP
// replies reach the shared socket's in-queue.
func (c *Client) Start(ifaces []inet.Interface, arp *inet.ARPTable, routes *inet.RouteTable) error {
	g := new(errgroup.Group)
	c.mtx.Lock()
	for _, ifc := range ifaces {
		ifc := ifc
		b := newBinding(ifc, arp, routes, c.pacer, c.log)
		c.bindings[ifc.Name()] = b
		c.t.Go(func() error { c.pumpInterface(ifc); return nil })
		g.Go(func() error { b.Start(); return nil })
	}
	c.mtx.Unlock()
	return g.Wait()
}

// Binding returns the negotiation state for the named interface.
func (c *Client) Binding(ifaceName string) (*Binding, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	b, ok := c.bindings[ifaceName]
	if !ok {
		return nil, ErrUnknownInterface
	}
	return b, nil
}

// Release gives up ifaceName's lease (SPEC_FULL supplemented feature 7).
func (c *Client) Release(ifaceName string) error {
	b, err := c.Binding(ifaceName)
	if err != nil {
		return err
	}
	return b.Release()
}

// Stop tears down the receive-dispatch and interface-pump goroutines and
// closes the shared socket.
func (c *Client) Stop() error {
	c.t.Kill(nil)
	err := c.t.Wait()
	c.sock.Close()
	return err
}

func (c *Client) pumpInterface(ifc inet.Interface) {
	for {
		select {
		case <-c.t.Dying():
			return
		case raw := <-ifc.RecvQueue():
			c.udpStack.InputUDP(raw)
		}
	}
}

// recvLoop is dhcp_sock_func's Go counterpart: drain the shared socket and
// hand each reply to the binding whose xid it matches.
func (c *Client) recvLoop() error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-c.t.Dying():
			return nil
		default:
		}
		n, err := c.sock.Recv(buf, 0)
		if err == sock.ErrWouldBlock {
			select {
			case <-c.t.Dying():
				return nil
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			c.log.Error("dhcp", "recv failed", klog.KVErr(err))
			continue
		}
		msg, err := parseReply(buf[:n])
		if err != nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *layers.DHCPv4) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, b := range c.bindings {
		if b.matchesXid(msg.Xid) {
			b.HandleReply(msg)
			return
		}
	}
}
