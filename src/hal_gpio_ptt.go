//go:build linux

package groupwave

import (
	"github.com/warthog618/go-gpiocdev"
)

// GPIOPTT reads the PTT momentary button and the three-position
// slide switch from GPIO lines, feeding them straight into an
// AudioEngine's talk-mode state.
type GPIOPTT struct {
	chip   *gpiocdev.Chip
	ptt    *gpiocdev.Line
	slideA *gpiocdev.Line
	slideB *gpiocdev.Line
	engine *AudioEngine
}

// OpenGPIOPTT opens the given lines on chipName (e.g. "gpiochip0").
// slideA/slideB encode the three slide positions as a 2-bit Gray-ish
// code: (0,0)=ALWAYS, (1,0)=PTT, (1,1)=MUTED.
func OpenGPIOPTT(chipName string, pttLine, slideALine, slideBLine int, engine *AudioEngine) (*GPIOPTT, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, wrapErr("hal_gpio_ptt.open", ErrIO, err)
	}

	g := &GPIOPTT{chip: chip, engine: engine}

	ptt, err := chip.RequestLine(pttLine, gpiocdev.WithPullUp, gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(g.onPTTEdge))
	if err != nil {
		chip.Close()
		return nil, wrapErr("hal_gpio_ptt.open", ErrIO, err)
	}
	g.ptt = ptt

	slideA, err := chip.RequestLine(slideALine, gpiocdev.WithPullUp, gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(g.onSlideEdge))
	if err != nil {
		chip.Close()
		return nil, wrapErr("hal_gpio_ptt.open", ErrIO, err)
	}
	g.slideA = slideA

	slideB, err := chip.RequestLine(slideBLine, gpiocdev.WithPullUp, gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(g.onSlideEdge))
	if err != nil {
		chip.Close()
		return nil, wrapErr("hal_gpio_ptt.open", ErrIO, err)
	}
	g.slideB = slideB

	g.readSlide()
	return g, nil
}

func (g *GPIOPTT) onPTTEdge(evt gpiocdev.LineEvent) {
	g.engine.SetPTTHeld(evt.Type == gpiocdev.LineEventFallingEdge)
}

func (g *GPIOPTT) onSlideEdge(evt gpiocdev.LineEvent) {
	g.readSlide()
}

func (g *GPIOPTT) readSlide() {
	a, errA := g.slideA.Value()
	b, errB := g.slideB.Value()
	if errA != nil || errB != nil {
		return
	}
	switch {
	case a == 1 && b == 1:
		g.engine.SetTalkMode(TalkMuted)
	case a == 1:
		g.engine.SetTalkMode(TalkPTT)
	default:
		g.engine.SetTalkMode(TalkAlways)
	}
}

func (g *GPIOPTT) Close() {
	if g.chip != nil {
		g.chip.Close()
	}
}
