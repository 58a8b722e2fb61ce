/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command kernsim boots one simulated kernel instance: it loads a boot
// configuration, formats and mounts the configured ext2 devices, wires the
// TCP/UDP/raw/unix socket vtables into sock's protocol table, starts DHCP on
// any interface that asks for it, and brings up component N's syscall
// dispatcher on top of all of it. Run with -demo to additionally list the
// first mount's root directory and drive a loopback TCP
// socket/bind/listen/accept/connect sequence against task 1 so the wiring
// can be exercised without a real userland image.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tallgrass-os/kernel/blockdev"
	"github.com/tallgrass-os/kernel/dhcp"
	"github.com/tallgrass-os/kernel/ext2"
	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/kconfig"
	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/ksyscall"
	"github.com/tallgrass-os/kernel/task"
	"github.com/tallgrass-os/kernel/tcpstack"
	"github.com/tallgrass-os/kernel/udpraw"
	"github.com/tallgrass-os/kernel/unixsock"
	"github.com/tallgrass-os/kernel/vfsstub"
)

var (
	configPath = flag.String("config", "", "path to a kconfig boot configuration (gcfg INI)")
	demo       = flag.Bool("demo", false, "drive the worked end-to-end scenarios against task 1 after boot")
	logLevel   = flag.String("loglevel", "INFO", "DEBUG, INFO, WARN, ERROR, or CRITICAL")
)

// Only socket domain/type this simulated stack needs to distinguish between
// AF_INET stream/dgram/raw and AF_UNIX; spec §3.6 names these four.
const (
	AF_UNIX  = 1
	AF_INET  = 2
	SOCK_STREAM = 1
	SOCK_DGRAM  = 2
	SOCK_RAW    = 3
)

func main() {
	flag.Parse()

	logger := klog.New(os.Stderr)
	switch *logLevel {
	case "DEBUG":
		logger.SetLevel(klog.DEBUG)
	case "WARN":
		logger.SetLevel(klog.WARN)
	case "ERROR":
		logger.SetLevel(klog.ERROR)
	case "CRITICAL":
		logger.SetLevel(klog.CRITICAL)
	default:
		logger.SetLevel(klog.INFO)
	}
	task.SetLogger(logger)

	bc, err := loadConfig(*configPath, logger)
	if err != nil {
		log.Fatalf("kernsim: boot config: %v", err)
	}

	facade := vfsstub.New()
	d := ksyscall.NewDispatcher(logger)
	ksyscall.RegisterTaskSyscalls(d)
	ksyscall.RegisterFsSyscalls(d, facade)
	ksyscall.RegisterNetSyscalls(d)

	init1 := task.InitProcess("/")

	devices, mountOrder := bootMounts(d, init1, bc, logger)

	ifaces, arp, routes := bootNetwork(bc, logger)
	bootSockets(ifaces, arp, routes, facade, logger)

	var dhcpClient *dhcp.Client
	if needsDHCP(bc) {
		dhcpClient = bootDHCP(bc, ifaces, arp, routes, logger)
	}

	logger.Info("kernsim", "booted", klog.KV("mounts", len(mountOrder)), klog.KV("ifaces", len(ifaces)))

	if *demo {
		runDemo(d, init1, devices, mountOrder, facade, logger)
	}

	if dhcpClient != nil {
		defer dhcpClient.Stop()
	}
}

func loadConfig(path string, logger *klog.Logger) (*kconfig.BootConfig, error) {
	if path == "" {
		logger.Warn("kernsim", "no -config given, using a synthetic single-mount default")
		return &kconfig.BootConfig{
			Mount: map[string]*kconfig.Mount{
				"root": {Device: "root", MountPoint: "/", FSType: "ext2"},
			},
			Rlimits: kconfig.Rlimits{NoFile: 256, NProc: 64, RTPrio: 0, NiceLimit: 20},
		}, nil
	}
	return kconfig.LoadFile(path)
}

// bootMounts formats a fresh in-memory ext2 image per configured mount (this
// harness never touches a real disk image) and registers + mounts it,
// mirroring what a real boot sequence's fsck-then-mount pass would do
// against a persisted device.
func bootMounts(d *ksyscall.Dispatcher, t *task.Task, bc *kconfig.BootConfig, logger *klog.Logger) (map[string]blockdev.Strategy, []string) {
	devices := make(map[string]blockdev.Strategy)
	var order []string
	for name, m := range bc.Mount {
		dev := blockdev.NewMemDevice(64*1024, 512)
		if err := ext2.Mkfs(dev, ext2.MkfsParams{BlockSize: 4096, TotalBlocks: 16, TotalInodes: 64}); err != nil {
			logger.Error("kernsim", "mkfs failed", klog.KV("device", name), klog.KVErr(err))
			continue
		}
		d.AddDevice(name, dev)
		devices[name] = dev
		order = append(order, name)

		idx := len(order) - 1
		if ret := d.Dispatch(t, ksyscall.SYS_MOUNT, ksyscall.Args{int64(idx)}); ret != 0 {
			logger.Error("kernsim", "mount failed", klog.KV("device", name), klog.KV("errno", ret))
			continue
		}
		logger.Info("kernsim", "mounted", klog.KV("device", name), klog.KV("mount-point", m.MountPoint), klog.KV("fs-type", m.FSType))
	}
	return devices, order
}

func bootNetwork(bc *kconfig.BootConfig, logger *klog.Logger) ([]inet.Interface, *inet.ARPTable, *inet.RouteTable) {
	arp := inet.NewARPTable()
	routes := inet.NewRouteTable()

	var ifaces []inet.Interface
	if len(bc.Interface) == 0 {
		lo := inet.NewLoopInterface("lo0", inet.HWAddr{}, 1500)
		lo.SetAddr(inet.IPv4{127, 0, 0, 1}, inet.IPv4{255, 0, 0, 0})
		ifaces = append(ifaces, lo)
		return ifaces, arp, routes
	}
	for name, ic := range bc.Interface {
		lo := inet.NewLoopInterface(name, inet.HWAddr{}, 1500)
		if ic.StaticAddr != "" {
			addr, err := inet.ParseIPv4(ic.StaticAddr)
			if err != nil {
				logger.Error("kernsim", "bad static-addr", klog.KV("iface", name), klog.KVErr(err))
				continue
			}
			mask, err := inet.ParseIPv4(ic.StaticMask)
			if err != nil {
				logger.Error("kernsim", "bad static-mask", klog.KV("iface", name), klog.KVErr(err))
				continue
			}
			lo.SetAddr(addr, mask)
		}
		ifaces = append(ifaces, lo)
	}
	return ifaces, arp, routes
}

// bootSockets registers every protocol vtable component I-L contribute
// against sock's process-wide (domain, type, protocol) table, exactly once
// per simulated kernel instance.
func bootSockets(ifaces []inet.Interface, arp *inet.ARPTable, routes *inet.RouteTable, facade *vfsstub.Facade, logger *klog.Logger) (*tcpstack.Stack, *udpraw.Stack, *unixsock.Vtable) {
	tcp := tcpstack.NewStack(ifaces, arp, routes, 10_000_000, logger)
	tcp.Register(AF_INET, SOCK_STREAM, 0)

	udp := udpraw.NewStack(ifaces, arp, routes, logger)
	udp.RegisterUDP(AF_INET, SOCK_DGRAM, 0)
	udp.RegisterRaw(AF_INET, SOCK_RAW, 0)

	uds := unixsock.New(facade, logger)
	uds.Register(SOCK_STREAM)
	uds.Register(SOCK_DGRAM)

	return tcp, udp, uds
}

func needsDHCP(bc *kconfig.BootConfig) bool {
	for _, ic := range bc.Interface {
		if ic.DHCP {
			return true
		}
	}
	return false
}

func bootDHCP(bc *kconfig.BootConfig, ifaces []inet.Interface, arp *inet.ARPTable, routes *inet.RouteTable, logger *klog.Logger) *dhcp.Client {
	udp := udpraw.NewStack(ifaces, arp, routes, logger)
	client, err := dhcp.NewClient(udp, logger)
	if err != nil {
		logger.Error("kernsim", "dhcp client init failed", klog.KVErr(err))
		return nil
	}
	if err := client.Start(ifaces, arp, routes); err != nil {
		logger.Error("kernsim", "dhcp start failed", klog.KVErr(err))
		return nil
	}
	return client
}

// runDemo drives spec §8's worked scenarios against task 1: a mount-and-list
// directory cycle, then a loopback TCP handshake, printing what each
// syscall-level step returned the way a shell trace would.
func runDemo(d *ksyscall.Dispatcher, t *task.Task, devices map[string]blockdev.Strategy, order []string, facade *vfsstub.Facade, logger *klog.Logger) {
	if len(order) == 0 {
		logger.Warn("kernsim", "-demo requested but no mounts are up, skipping")
		return
	}
	device := order[0]

	fd, err := d.OpenDirFd(t, device, 2)
	if err != nil {
		logger.Error("kernsim", "demo: open root dir failed", klog.KVErr(err))
		return
	}
	fmt.Printf("demo: opened root directory of %q as fd %d\n", device, fd)

	n := d.Dispatch(t, ksyscall.SYS_GETDENTS, ksyscall.Args{int64(fd), 4096})
	fmt.Printf("demo: getdents returned %d\n", n)

	sfd := d.Dispatch(t, ksyscall.SYS_SOCKET, ksyscall.Args{AF_INET, SOCK_STREAM, 0})
	if sfd < 0 {
		logger.Error("kernsim", "demo: socket failed", klog.KV("errno", sfd))
		return
	}
	fmt.Printf("demo: socket() -> fd %d\n", sfd)

	loopback := int64(inet.IPv4{127, 0, 0, 1}.Uint32())
	bindRet := d.Dispatch(t, ksyscall.SYS_BIND, ksyscall.Args{sfd, loopback, 9000})
	fmt.Printf("demo: bind() -> %d\n", bindRet)

	listenRet := d.Dispatch(t, ksyscall.SYS_LISTEN, ksyscall.Args{sfd, 8})
	fmt.Printf("demo: listen() -> %d\n", listenRet)

	go func() {
		time.Sleep(10 * time.Millisecond)
		client := d.Dispatch(t, ksyscall.SYS_SOCKET, ksyscall.Args{AF_INET, SOCK_STREAM, 0})
		connRet := d.Dispatch(t, ksyscall.SYS_CONNECT, ksyscall.Args{client, loopback, 9000})
		fmt.Printf("demo: connect() -> %d\n", connRet)
	}()

	acceptRet := d.Dispatch(t, ksyscall.SYS_ACCEPT, ksyscall.Args{sfd, 0, 0})
	fmt.Printf("demo: accept() -> %d\n", acceptRet)
}
