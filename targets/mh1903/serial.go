//go:build mh1903

package main

import (
	"io"
	"machine"
	"time"
)

// uartLink adapts the debug UART to the byte stream the bridge serves
type uartLink struct {
	uart *machine.UART
}

func (l uartLink) Read(p []byte) (int, error) {
	for l.uart.Buffered() == 0 {
		time.Sleep(100 * time.Microsecond)
	}
	n := 0
	for n < len(p) && l.uart.Buffered() > 0 {
		b, err := l.uart.ReadByte()
		if err != nil {
			return n, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

func (l uartLink) Write(p []byte) (int, error) {
	return l.uart.Write(p)
}

// Close never releases the UART; the link lives as long as the firmware
func (l uartLink) Close() error {
	return nil
}

var _ io.ReadWriteCloser = uartLink{}
