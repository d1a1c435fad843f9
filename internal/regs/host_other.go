//go:build !linux

package regs

import (
	"github.com/pkg/errors"

	"github.com/coreman2200/rpi-ws2805/rpihw"
)

type Host struct{}

var errUnsupported = errors.New("physical memory access not supported on this platform")

func (Host) Map(p *rpihw.Profile, blocks []Block, dmanum int) (Port, error) {
	return nil, &MapError{Kind: KindMmap, Err: errUnsupported}
}

func (Host) Alloc(p *rpihw.Profile, size int) (Memory, error) {
	return nil, &MapError{Kind: KindMmap, Err: errUnsupported}
}
