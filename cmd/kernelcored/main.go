//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nestybox/kernelcore/domain"
	"github.com/nestybox/kernelcore/internal/kv"
	"github.com/nestybox/kernelcore/internal/netstack"
	"github.com/nestybox/kernelcore/internal/paging"
	"github.com/nestybox/kernelcore/internal/registry"
	"github.com/nestybox/kernelcore/internal/syscallabi"
	"github.com/nestybox/kernelcore/internal/trace"
	"github.com/nestybox/kernelcore/internal/vfs"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
)

const usage string = `kernelcored

kernelcored boots the microkernel core services: paging, the VirtIO
block transport, the TCP/IPv4 stack, the WebAssembly JIT and WASI host,
the VFS, the Linux syscall ABI, the per-app KV store, and the browser
HTTP/TLS/CSP client.
`

// Globals populated at build time by the Makefile, same convention the
// teacher's main.go uses for edition/version/commit stamping.
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

// nullNetDriver is the default NetDriver collaborator when no real NIC
// binding is configured: it drops every transmitted frame and never
// reports inbound ones. A real interface binding lives outside this
// core (spec.md §6 lists NetDriver as an external collaborator); this
// stub only exists so TCPService.Setup always has something to call.
type nullNetDriver struct {
	iface string
}

func (n *nullNetDriver) TransmitFrame(frame []byte) error {
	logrus.Debugf("nullNetDriver(%s): dropped %d byte frame (no NIC bound)", n.iface, len(frame))
	return nil
}

func (n *nullNetDriver) PollRX() [][]byte { return nil }

func exitHandler(
	signalChan chan os.Signal,
	trc *trace.Server,
	prof interface{ Stop() },
) {
	s := <-signalChan
	logrus.Warnf("kernelcored caught signal: %s", s)
	logrus.Info("Stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	printStack := false
	switch s {
	case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGSEGV:
		printStack = true
	}
	if printStack {
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	if trc != nil && trc.GrpcServer() != nil {
		trc.GrpcServer().GracefulStop()
	}
	if prof != nil {
		prof.Stop()
	}

	time.Sleep(1 * time.Second)
	logrus.Info("Exiting ...")
	os.Exit(0)
}

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !cpuProfOn && !memProfOn {
		return nil, nil
	}

	var prof interface{ Stop() }
	if cpuProfOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memProfOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

// checkDiskImageMount runs a pre-mount sanity check against the host's
// mount table before the VFS mounts the disk image's leaf filesystem:
// refuse to proceed if something is already mounted on top of the
// requested mountpoint. This is the one place moby/sys/mountinfo is
// wired (see DESIGN.md's C5 entry) -- the VFS package itself never
// touches the host mount table, only its own in-core one.
func checkDiskImageMount(mountpoint string) error {
	mounted, err := mountinfo.Mounted(mountpoint)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect host mount table for %s: %w", mountpoint, err)
	}
	if mounted {
		return fmt.Errorf("%s already has a host filesystem mounted on it", mountpoint)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "kernelcored"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "linux-trace",
			Usage: "stream C6 syscall dispatch entry/exit events over a local gRPC trace service",
		},
		cli.StringFlag{
			Name:  "trace-addr",
			Value: "127.0.0.1:9090",
			Usage: "listen address for the --linux-trace gRPC service",
		},
		cli.StringFlag{
			Name:  "disk-image",
			Value: "",
			Usage: "path to the VirtIO block device backing the root filesystem",
		},
		cli.StringFlag{
			Name:  "net-iface",
			Value: "",
			Usage: "host network interface to bind the TCP/IPv4 stack to (default: none)",
		},
		cli.StringFlag{
			Name:  "http-mountpoint",
			Value: "/srv",
			Usage: "VFS mountpoint the disk image's leaf filesystem is mounted at",
		},
		cli.BoolFlag{
			Name:  "ignore-handler-errors",
			Usage: "let C6 syscall handlers paper over unimplemented guest-memory bridging instead of faulting, for exercising replay traces",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("kernelcored\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Commands = []cli.Command{
		{
			Name:  "replay",
			Usage: "replay a previously captured syscall trace against the C6 dispatcher without booting the rest of the core",
			Action: func(c *cli.Context) error {
				return replayTrace(c.Args().First())
			},
		},
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info", "":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. Exiting ...", ctx.GlobalString("log-level"))
		}
		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		logrus.Info("Initiating kernelcored ...")

		mountpoint := ctx.String("http-mountpoint")
		if err := checkDiskImageMount(mountpoint); err != nil {
			return err
		}

		// Construct the boot-time singleton services: C1, C5, C6, C3, C7
		// and the trace sink. C4's Compiler and Host are deliberately not
		// among them -- a JIT compiler and a WASI host are per-guest-process
		// collaborators (each guest gets its own fd table and compiled
		// function cache), constructed by the guest-launch path instead of
		// once at boot, the same way the teacher never builds a process's
		// process.Process until nsenter actually launches one.
		pagingService := paging.NewPagingService(256 << 20) // 256 MiB simulated physical memory
		vfsService := vfs.NewVfsService()
		syscallService := syscallabi.NewService()
		tcpService := netstack.NewTCPService()
		kvService := kv.NewService()
		appRegistry := registry.NewService()
		traceServer := trace.NewServer()

		// C1: paging, physical-memory map base chosen the way a real
		// higher-half kernel places it.
		pagingService.Setup(domain.VirtAddr(0xFFFF_8000_0000_0000))

		// C2's BlockDevice is deliberately not constructed here: it
		// expects a mapped VirtIO-PCI BAR0 region (internal/virtio.MmioRegisters),
		// and this process has no real PCI bus to enumerate one from. A
		// boot running on actual bare metal would discover that base
		// address during PCI probing and hand it to virtio.NewBlockDevice
		// before calling vfsService.Mount; this hosted build stands that
		// leaf in with a host-file-backed afero.Fs instead (see DESIGN.md).
		//
		// C5: VFS. Root is always an in-memory filesystem -- it is where
		// /system/apps (the app registry) and other kernel-owned state
		// live regardless of whether a disk image was given -- and the
		// requested disk image (or another in-memory filesystem when
		// none is given) is layered on top at --http-mountpoint.
		vfsService.Setup()
		if err := vfsService.Mount("/", vfs.NewHostFs(afero.NewMemMapFs(), "/", false)); err != nil {
			return fmt.Errorf("failed to mount root filesystem: %w", err)
		}
		var leafFs afero.Fs
		var leafRoot string
		if img := ctx.String("disk-image"); img != "" {
			leafFs = afero.NewOsFs()
			leafRoot = img
		} else {
			leafFs = afero.NewMemMapFs()
			leafRoot = "/"
		}
		if err := vfsService.Mount(mountpoint, vfs.NewHostFs(leafFs, leafRoot, false)); err != nil {
			return fmt.Errorf("failed to mount %s: %w", mountpoint, err)
		}

		// C6: syscall ABI, layered on C5 + C1.
		syscallService.Setup(vfsService, pagingService)
		syscallService.SetTraceEnabled(ctx.Bool("linux-trace"))
		syscallService.SetIgnoreHandlerErrors(ctx.Bool("ignore-handler-errors"))

		// C3: TCP/IPv4, bound to whatever NIC --net-iface names (a
		// no-op sink if none is given).
		var driver domain.NetDriver = &nullNetDriver{iface: ctx.String("net-iface")}
		tcpService.Setup(driver, 0)

		// C7: KV store, 50 MiB default quota per app.
		kvService.Setup(0)

		// App registry: the persistence boundary tracking installed apps,
		// durable under the same mount the rest of /system lives on. A
		// missing registry file is first boot, not a fatal error.
		appRegistry.Setup(vfsService)
		if err := appRegistry.Load(); err != nil {
			logrus.Warnf("failed to load app registry: %v", err)
		}

		// C8's http.Client/tls.Connector/csp.Engine are stateless
		// leaf collaborators guest code constructs for itself (NewClient,
		// NewEngine take no Setup call, same as the teacher's
		// mount.InfoParser); nothing here needs to hold one at boot.

		if ctx.Bool("linux-trace") {
			traceServer.Setup(ctx.String("trace-addr"))
			syscallService.SetSink(trace.NewSinkAdapter(traceServer.Sink()))
			ln, err := net.Listen("tcp", ctx.String("trace-addr"))
			if err != nil {
				return fmt.Errorf("failed to bind trace service: %w", err)
			}
			go func() {
				if err := traceServer.GrpcServer().Serve(ln); err != nil {
					logrus.Warnf("trace service stopped: %v", err)
				}
			}()
			logrus.Infof("syscall trace service listening on %s", ctx.String("trace-addr"))
		}

		prof, err := runProfiler(ctx)
		if err != nil {
			logrus.Fatal(err)
		}

		exitChan := make(chan os.Signal, 1)
		signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT)
		go exitHandler(exitChan, traceServer, prof)

		systemd.SdNotify(false, systemd.SdNotifyReady)
		logrus.Info("Ready ...")

		// Drive C3's retransmission/poll loop; everything else is
		// invoked on demand by guest syscalls through syscallService.
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			tcpService.Tick()
		}

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
