// probeflash is the command line front end: it attaches to a target chip
// through a CMSIS-DAP probe and inspects, controls or reprograms it using
// a target descriptor file.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/willglynn/probe-rs/core"
	"github.com/willglynn/probe-rs/dp"
	"github.com/willglynn/probe-rs/flash"
	"github.com/willglynn/probe-rs/probe"
	"github.com/willglynn/probe-rs/probe/cmsisdap"
	"github.com/willglynn/probe-rs/session"
	"github.com/willglynn/probe-rs/target"
)

// Set via -ldflags at release build time.
var (
	Version = "dev"
	BuildId = "local"
)

var (
	vidFlag       = flag.String("vid", "0d28", "Probe USB vendor ID (hex)")
	pidFlag       = flag.String("pid", "0204", "Probe USB product ID (hex)")
	serialFlag    = flag.String("serial", "", "Probe serial number")
	protocolFlag  = flag.String("protocol", "swd", "Wire protocol: swd or jtag")
	speedKHz      = flag.Uint32("speed-khz", 1000, "Interface clock, kHz")
	targetFile    = flag.String("target", "", "Target descriptor file (JSON or YAML)")
	addrFlag      = flag.String("addr", "", "Address (hex) for flash/read")
	verifyFlag    = flag.Bool("verify", true, "Verify programmed data")
	eraseAllFlag  = flag.Bool("erase-all", false, "Erase the whole chip instead of touched sectors")
	skipUnchanged = flag.Bool("skip-unchanged", false, "Skip sectors that already hold the requested data")
	timeoutFlag   = flag.Duration("timeout", 5*time.Second, "Halt/attach timeout")
	versionFlag   = flag.Bool("version", false, "Print version and exit")
)

type handler func(ctx context.Context, s *session.Session, args []string) error

type command struct {
	name    string
	handler handler
	short   string
}

var commands = []command{
	{"info", info, "Print probe and target identification"},
	{"status", status, "Print the core's run state"},
	{"halt", halt, "Halt the core"},
	{"resume", resume, "Resume the core"},
	{"reset", reset, "Reset the core and let it run"},
	{"reset-halt", resetHalt, "Reset the core and catch it at the reset vector"},
	{"read", readMem, "Read memory: read <hex addr> <length>"},
	{"flash", flashFile, "Program a binary: flash <file.bin> --addr <hex addr>"},
}

func usage() {
	fmt.Fprintf(os.Stderr, "probeflash %s - flash and debug chips over CMSIS-DAP\n\nCommands:\n", Version)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.short)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flag.CommandLine.FlagUsages())
}

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Usage = usage
	flag.Parse()
	goflag.CommandLine.Parse(nil) // glog needs its flag set parsed

	if *versionFlag {
		fmt.Printf("probeflash %s (%s; %s/%s)\n", Version, BuildId, runtime.GOOS, runtime.GOARCH)
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if err := run(c.handler, args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			glog.V(1).Infof("%+v", err) // stack with -v 1
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
	usage()
	os.Exit(1)
}

func run(h handler, args []string) error {
	ctx := context.Background()
	if *targetFile == "" {
		return errors.Errorf("--target is required")
	}
	td, err := target.Load(*targetFile)
	if err != nil {
		return errors.Trace(err)
	}

	vid, err := strconv.ParseUint(*vidFlag, 16, 16)
	if err != nil {
		return errors.Annotatef(err, "invalid --vid")
	}
	pid, err := strconv.ParseUint(*pidFlag, 16, 16)
	if err != nil {
		return errors.Annotatef(err, "invalid --pid")
	}
	p, err := cmsisdap.Open(ctx, uint16(vid), uint16(pid), *serialFlag)
	if err != nil {
		return errors.Annotatef(err, "failed to open probe")
	}

	proto := probe.ProtocolSWD
	if *protocolFlag == "jtag" {
		proto = probe.ProtocolJTAG
	}
	s, err := session.Attach(ctx, p, td, session.Options{
		Protocol:    proto,
		SpeedHz:     *speedKHz * 1000,
		DP:          dp.DefaultConfig,
		HaltTimeout: *timeoutFlag,
	})
	if err != nil {
		p.Close(ctx)
		return errors.Annotatef(err, "failed to attach to %q", td.Name)
	}
	defer s.Detach(ctx)
	return errors.Trace(h(ctx, s, args))
}

func info(ctx context.Context, s *session.Session, args []string) error {
	td := s.Target()
	fmt.Printf("Target: %s\n", td.Name)
	for i, cc := range td.Cores {
		fmt.Printf("  core %d: %s (AP %d)\n", i, cc.Architecture, cc.APSel)
	}
	for _, r := range td.Regions {
		fmt.Printf("  %-8s %-6s 0x%08x - 0x%08x\n", r.Name, r.Kind, r.Addr, r.End())
	}
	return nil
}

func status(ctx context.Context, s *session.Session, args []string) error {
	c, err := s.Core(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if st.State == core.Halted {
		fmt.Printf("halted (%s)\n", st.Reason)
	} else {
		fmt.Println(st.State)
	}
	return nil
}

func halt(ctx context.Context, s *session.Session, args []string) error {
	c, err := s.Core(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.Halt(ctx, *timeoutFlag))
}

func resume(ctx context.Context, s *session.Session, args []string) error {
	c, err := s.Core(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.Resume(ctx))
}

func reset(ctx context.Context, s *session.Session, args []string) error {
	c, err := s.Core(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if err = c.Reset(ctx); err != nil && errors.IsNotSupported(errors.Cause(err)) {
		// No core-level reset on this architecture, pulse the wire.
		return errors.Trace(s.HardReset(ctx, 0))
	}
	return errors.Trace(err)
}

func resetHalt(ctx context.Context, s *session.Session, args []string) error {
	c, err := s.Core(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.ResetHalt(ctx, *timeoutFlag))
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), errors.Annotatef(err, "invalid address %q", s)
}

func readMem(ctx context.Context, s *session.Session, args []string) error {
	if len(args) != 2 {
		return errors.Errorf("usage: read <hex addr> <length>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Annotatef(err, "invalid length %q", args[1])
	}
	data := make([]byte, n)
	if err := s.Memory().ReadBlock(ctx, addr, data); err != nil {
		return errors.Trace(err)
	}
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%08x ", addr+uint32(off))
		for _, b := range data[off:end] {
			fmt.Printf(" %02x", b)
		}
		fmt.Println()
	}
	return nil
}

func flashFile(ctx context.Context, s *session.Session, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: flash <file.bin> --addr <hex addr>")
	}
	if *addrFlag == "" {
		return errors.Errorf("--addr is required")
	}
	addr, err := parseAddr(*addrFlag)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Annotatef(err, "failed to read %q", args[0])
	}

	l, err := s.NewLoader(ctx, 0, flash.Options{
		Verify:        *verifyFlag,
		SkipUnchanged: *skipUnchanged,
		EraseAll:      *eraseAllFlag,
		HaltTimeout:   *timeoutFlag,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := l.AddData(addr, data); err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("Writing %d bytes at 0x%08x...\n", len(data), addr)
	start := time.Now()
	lastPhase := ""
	err = l.Commit(ctx, func(p flash.Progress) {
		if p.Phase != lastPhase {
			if lastPhase != "" {
				fmt.Println()
			}
			lastPhase = p.Phase
		}
		fmt.Printf("\r%s: %d/%d bytes", p.Phase, p.Done, p.Total)
	})
	if lastPhase != "" {
		fmt.Println()
	}
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("Done, %.2f KB/s\n", float64(len(data))/1024/time.Since(start).Seconds())
	return nil
}
