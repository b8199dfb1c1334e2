package sim

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Storage backs the simulated card's data area
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Memory is a sparse in-memory Storage; unwritten blocks read as zero
type Memory struct {
	mu     sync.Mutex
	blocks map[int64][]byte
}

const memBlock = 512

func NewMemory() *Memory {
	return &Memory{blocks: make(map[int64][]byte)}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := 0; n < len(p); {
		idx, rel := (off+int64(n))/memBlock, (off+int64(n))%memBlock
		chunk := p[n:]
		if len(chunk) > int(memBlock-rel) {
			chunk = chunk[:memBlock-rel]
		}
		if blk, ok := m.blocks[idx]; ok {
			copy(chunk, blk[rel:])
		} else {
			for i := range chunk {
				chunk[i] = 0
			}
		}
		n += len(chunk)
	}
	return len(p), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := 0; n < len(p); {
		idx, rel := (off+int64(n))/memBlock, (off+int64(n))%memBlock
		blk, ok := m.blocks[idx]
		if !ok {
			blk = make([]byte, memBlock)
			m.blocks[idx] = blk
		}
		n += copy(blk[rel:], p[n:])
	}
	return len(p), nil
}

// Blocks returns the number of blocks ever written
func (m *Memory) Blocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// OpenImage builds a card over a disk image file. A size of zero takes the
// capacity from the file; a larger size extends the file sparsely.
func OpenImage(path string, size uint64, cfg CardConfig) (*Card, *os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if size == 0 {
		size = uint64(fi.Size())
	}
	if uint64(fi.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, nil, err
		}
	}

	csd, err := CSDForSize(size)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("image %s: %w", path, err)
	}
	cfg.CSD = csd
	card, err := NewCard(f, cfg)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return card, f, nil
}
