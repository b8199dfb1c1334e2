//go:build mh1903

package main

import (
	"runtime/volatile"
	"unsafe"

	"sdio/core"
)

// Peripheral base addresses
const (
	ahbBase  = 0x40000000
	apb3Base = 0x40040000

	sdioBase = apb3Base + 0xE000
	dmacBase = ahbBase + 0x0800
)

// mmioBus is the SDIO controller register window
type mmioBus struct {
	base uintptr
}

func newMMIOBus(base uintptr) *mmioBus {
	return &mmioBus{base: base}
}

func (b *mmioBus) reg(offset uint32) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(b.base + uintptr(offset)))
}

func (b *mmioBus) Read32(offset uint32) uint32 {
	return b.reg(offset).Get()
}

func (b *mmioBus) Write32(offset uint32, value uint32) {
	b.reg(offset).Set(value)
}

var _ core.RegisterBus = (*mmioBus)(nil)
