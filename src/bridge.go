package groupwave

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

const bridgeServiceType = "_groupwave._tcp"

// BridgeInfo is what INFO reports: static identity and build facts.
type BridgeInfo struct {
	DeviceID   string
	AppVersion string
}

// BridgeStatus is what STATUS reports: a live snapshot, refreshed by
// the caller on every request.
type BridgeStatus func() string

// Bridge is the companion line-oriented TCP surface from spec §6: the
// in-scope adapter standing in for the USB collaborator surface,
// exposing the same four verbs over the LAN and advertised via
// DNS-SD so a companion app never needs a typed-in address.
type Bridge struct {
	log      *log.Logger
	listener net.Listener
	info     BridgeInfo
	status   BridgeStatus
	reboot   func()
	name     string
}

func NewBridge(logger *log.Logger, info BridgeInfo, status BridgeStatus, reboot func()) *Bridge {
	return &Bridge{
		log:    subsystemLogger(logger, "bridge"),
		info:   info,
		status: status,
		reboot: reboot,
		name:   "groupwave-" + info.DeviceID,
	}
}

// Serve listens on addr (e.g. ":7654"), announces the service via
// DNS-SD, and accepts connections until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return wrapErr("bridge.serve", ErrIO, err)
	}
	b.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	if err := b.announce(ctx, port); err != nil {
		b.log.Debug("dns-sd announce failed", "err", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return wrapErr("bridge.serve", ErrIO, err)
			}
		}
		go b.handle(conn)
	}
}

func (b *Bridge) announce(ctx context.Context, port int) error {
	cfg := dnssd.Config{
		Name: b.name,
		Type: bridgeServiceType,
		Port: port,
	}
	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return err
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return err
	}
	if _, err := rp.Add(sv); err != nil {
		return err
	}
	go func() {
		if err := rp.Respond(ctx); err != nil {
			b.log.Debug("dns-sd responder stopped", "err", err)
		}
	}()
	return nil
}

func (b *Bridge) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewScanner(conn)
	for reader.Scan() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		fields := strings.Fields(strings.TrimSpace(reader.Text()))
		if len(fields) == 0 {
			continue
		}
		verb := strings.ToUpper(fields[0])
		resp := b.dispatch(verb)
		fmt.Fprintf(conn, "%s\r\n", resp)
	}
}

func (b *Bridge) dispatch(verb string) string {
	switch verb {
	case "INFO":
		return fmt.Sprintf("OK id=%s version=%s", b.info.DeviceID, b.info.AppVersion)
	case "STATUS":
		if b.status == nil {
			return "OK status=unavailable"
		}
		return "OK " + b.status()
	case "REBOOT":
		if b.reboot != nil {
			go b.reboot()
		}
		return "OK rebooting"
	case "HELP":
		return "OK verbs=INFO,STATUS,REBOOT,HELP"
	default:
		return "ERR unknown verb"
	}
}
