// Package filedisk implements bufcache.Disk over a regular file,
// generalizing biscuit's fs.Disk_i/virtio_disk_rw boundary into
// something runnable outside a hypervisor.
package filedisk

import (
	"fmt"
	"os"
)

// Disk is a bufcache.Disk backed by a single *os.File, addressed by
// blockno*blockSize byte offsets. Every write is followed by Sync, so
// WriteAt only returns once the bytes are durable — the simulation
// analogue of a synchronous virtio request completion.
type Disk struct {
	f         *os.File
	blockSize int
}

// Open opens (creating if necessary) the file at path as a Disk whose
// blocks are blockSize bytes.
func Open(path string, blockSize int) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filedisk: open %s: %w", path, err)
	}
	return &Disk{f: f, blockSize: blockSize}, nil
}

// Close closes the backing file.
func (d *Disk) Close() error {
	return d.f.Close()
}

func (d *Disk) offset(blockno int) int64 {
	return int64(blockno) * int64(d.blockSize)
}

// ReadAt reads blockno's bytes into data. Reading past the current end
// of file returns zero-filled data, matching a freshly formatted
// device with unwritten blocks.
func (d *Disk) ReadAt(blockno int, data []byte) error {
	n, err := d.f.ReadAt(data, d.offset(blockno))
	if err != nil && n == 0 {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

// WriteAt writes data as blockno's contents and fsyncs the file.
func (d *Disk) WriteAt(blockno int, data []byte) error {
	if _, err := d.f.WriteAt(data, d.offset(blockno)); err != nil {
		return fmt.Errorf("filedisk: write block %d: %w", blockno, err)
	}
	return d.f.Sync()
}
