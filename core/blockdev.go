package core

import (
	"context"
	"fmt"
	"io"
)

// Block device access modes reported by Mode
const (
	ModeNoCard    uint8 = 0
	ModeRead      uint8 = 1 << 0
	ModeWrite     uint8 = 1 << 1
	ModeReadWrite       = ModeRead | ModeWrite
)

// BlockDevice adapts a Card to the block contract of a filesystem layer.
// Offsets passed to ReadAt/WriteAt must be block aligned.
type BlockDevice struct {
	card *Card
}

// NewBlockDevice wraps an initialized card
func NewBlockDevice(card *Card) *BlockDevice {
	return &BlockDevice{card: card}
}

func blockRange(n int, start int64) (uint32, int, error) {
	if n == 0 || n%BlockSize != 0 {
		return 0, 0, fmt.Errorf("length %d not a multiple of %d: %w", n, BlockSize, InvalidParameter)
	}
	if start < 0 || start > int64(^uint32(0)) {
		return 0, 0, fmt.Errorf("block %d: %w", start, AddrOutOfRange)
	}
	return uint32(start), n / BlockSize, nil
}

// ReadBlocks fills dst with whole blocks starting at startBlock
func (d *BlockDevice) ReadBlocks(dst []byte, startBlock int64) error {
	lba, count, err := blockRange(len(dst), startBlock)
	if err != nil {
		return err
	}
	return d.card.ReadBlocks(context.Background(), lba, count, dst)
}

// WriteBlocks writes whole blocks starting at startBlock
func (d *BlockDevice) WriteBlocks(data []byte, startBlock int64) error {
	lba, count, err := blockRange(len(data), startBlock)
	if err != nil {
		return err
	}
	return d.card.WriteBlocks(context.Background(), lba, count, data)
}

// EraseSectors erases numBlocks blocks starting at startBlock
func (d *BlockDevice) EraseSectors(startBlock, numBlocks int64) error {
	if numBlocks <= 0 || startBlock < 0 || startBlock+numBlocks-1 > int64(^uint32(0)) {
		return fmt.Errorf("erase %d+%d: %w", startBlock, numBlocks, BadEraseParam)
	}
	return d.card.Erase(context.Background(), uint32(startBlock), uint32(startBlock+numBlocks-1))
}

// Mode reports whether the card can be read and written
func (d *BlockDevice) Mode() uint8 {
	if !d.card.GetCardInfo().Valid {
		return ModeNoCard
	}
	d.card.mu.Lock()
	wp := d.card.host.WriteProtected()
	d.card.mu.Unlock()
	if wp {
		return ModeRead
	}
	return ModeReadWrite
}

// ReadAt implements io.ReaderAt for block aligned requests
func (d *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if off%BlockSize != 0 {
		return 0, fmt.Errorf("offset %d: %w", off, AddrMisaligned)
	}
	size := d.Size()
	if off >= size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}
	if err := d.ReadBlocks(p[:n], off/BlockSize); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt for block aligned requests
func (d *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if off%BlockSize != 0 {
		return 0, fmt.Errorf("offset %d: %w", off, AddrMisaligned)
	}
	if err := d.WriteBlocks(p, off/BlockSize); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Size returns the device size in bytes
func (d *BlockDevice) Size() int64 {
	return int64(d.card.GetCardInfo().DeviceSize)
}

// WriteBlockSize returns the write granularity
func (d *BlockDevice) WriteBlockSize() int64 {
	return BlockSize
}

// EraseBlockSize returns the erase granularity in bytes
func (d *BlockDevice) EraseBlockSize() int64 {
	info := d.card.GetCardInfo()
	if info.CSD == nil {
		return BlockSize
	}
	c := info.CSD.Common()
	if c.EraseBlkEn {
		return BlockSize
	}
	return int64(c.SectorSize+1) * int64(1<<c.WriteBlLen)
}
