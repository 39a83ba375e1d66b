//go:build harness

package harness

import (
	"fmt"
	"os"
)

// BlockSize is the fixed block size FileBlockDevice reads and writes, one
// 4 KiB page.
const BlockSize = 4096

// FileBlockDevice is a device.BlockDevice backed by a host file, used by
// tests that need a real ReadAt/WriteAt-capable backing store without a
// FAT32 stack to mount. Grounded on the plain os.File-as-disk-image
// pattern every pack repo's own host-side disk fake uses (ahci/mkfs's
// surviving go.mod shows biscuit backed its own test disks the same way).
type FileBlockDevice struct {
	f *os.File
}

// NewFileBlockDevice opens (creating if necessary) path as a block device.
func NewFileBlockDevice(path string) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("harness: open block file: %w", err)
	}
	return &FileBlockDevice{f: f}, nil
}

// ReadBlock implements device.BlockDevice.
func (d *FileBlockDevice) ReadBlock(id uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("harness: ReadBlock: buf must be %d bytes, got %d", BlockSize, len(buf))
	}
	_, err := d.f.ReadAt(buf, int64(id)*BlockSize)
	return err
}

// WriteBlock implements device.BlockDevice.
func (d *FileBlockDevice) WriteBlock(id uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("harness: WriteBlock: buf must be %d bytes, got %d", BlockSize, len(buf))
	}
	_, err := d.f.WriteAt(buf, int64(id)*BlockSize)
	return err
}

// Flush implements device.BlockDevice.
func (d *FileBlockDevice) Flush() error {
	return d.f.Sync()
}

// Close releases the backing file.
func (d *FileBlockDevice) Close() error {
	return d.f.Close()
}
