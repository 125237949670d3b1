//go:build linux

package groupwave

import (
	"context"
	"sync"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/pkg/term"
)

// SerialLink is a Link backed by a UART-attached radio modem: framed
// bytes in, framed bytes out. Nothing sets the busy flag, so CCA always
// reports ChannelFree, and nothing updates RSSI/SNR, so LastRSSI and
// LastSNR report 0. A HamlibRig (link_hamlib.go) paired alongside can
// supply an S-meter reading; it is not itself a Link.
type SerialLink struct {
	mu   sync.Mutex
	fd   *term.Term
	rssi int
	snr  int
	busy bool

	rxCh chan RxEvent
}

// OpenSerialLink opens device at baud (0 leaves speed alone, matching
// the driver's leave-it-alone convention for already-configured
// ports).
func OpenSerialLink(device string, baud int) (*SerialLink, error) {
	fd, err := term.Open(device, term.RawMode)
	if err != nil {
		return nil, wrapErr("link_serial.open", ErrLinkUnavailable, err)
	}
	if baud != 0 {
		if err := fd.SetSpeed(baud); err != nil {
			fd.Close()
			return nil, wrapErr("link_serial.open", ErrLinkUnavailable, err)
		}
	}
	return &SerialLink{fd: fd, rxCh: make(chan RxEvent, 64)}, nil
}

// WatchHotplug starts a udev monitor for tty device add/remove events
// and calls onChange(devnode, attached) for each. Used by the
// composition root to notice a detachable USB radio modem.
func WatchHotplug(ctx context.Context, onChange func(devnode string, attached bool)) error {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if err := mon.FilterAddMatchSubsystem("tty"); err != nil {
		return wrapErr("link_serial.watch_hotplug", ErrIO, err)
	}
	ch, stop, err := mon.DeviceChan(ctx)
	if err != nil {
		return wrapErr("link_serial.watch_hotplug", ErrIO, err)
	}
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case dev, ok := <-ch:
				if !ok {
					return
				}
				onChange(dev.Devnode(), dev.Action() == "add")
			}
		}
	}()
	return nil
}

func (l *SerialLink) Send(data []byte) error {
	if len(data) > 255 {
		return newErr("link_serial.send", ErrLengthMismatch)
	}
	l.mu.Lock()
	fd := l.fd
	l.mu.Unlock()
	n, err := fd.Write(data)
	if err != nil || n != len(data) {
		return newErr("link_serial.send", ErrTxTimeout)
	}
	return nil
}

func (l *SerialLink) SendBlocking(ctx context.Context, data []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- l.Send(data) }()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		return newErr("link_serial.send_blocking", ErrTxTimeout)
	}
}

func (l *SerialLink) StartContinuousRx(ctx context.Context, onRx func(RxEvent)) {
	go func() {
		buf := make([]byte, 1)
		var frame []byte
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.mu.Lock()
			fd := l.fd
			l.mu.Unlock()
			n, err := fd.Read(buf)
			if err != nil || n != 1 {
				continue
			}
			frame = append(frame, buf[0])
			if len(frame) >= headerSizeV1 {
				if h, payload, perr := ParsePacket(frame); perr == nil {
					_ = payload
					onRx(RxEvent{Data: frame, RSSI: l.LastRSSI(), SNR: l.LastSNR()})
					_ = h
					frame = nil
				}
			}
		}
	}()
}

func (l *SerialLink) ReceiveSingle(ctx context.Context, timeout time.Duration) (RxEvent, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case ev := <-l.rxCh:
		return ev, nil
	case <-tctx.Done():
		return RxEvent{}, newErr("link_serial.receive_single", ErrTimeout)
	}
}

func (l *SerialLink) CCA() CCAResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return ChannelBusy
	}
	return ChannelFree
}

func (l *SerialLink) LastRSSI() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rssi
}

func (l *SerialLink) LastSNR() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snr
}

func (l *SerialLink) Sleep() error { return nil }
func (l *SerialLink) Wake() error  { return nil }

func (l *SerialLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd != nil {
		l.fd.Close()
	}
}
