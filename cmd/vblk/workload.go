package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tinyrange/vblk/internal/devices/virtio"
	"github.com/tinyrange/vblk/internal/guest"
)

type fill struct {
	sector uint64
	value  byte
}

// fillList collects repeated -fill SECTOR=BYTE flags.
type fillList []fill

func (f *fillList) String() string {
	parts := make([]string, 0, len(*f))
	for _, x := range *f {
		parts = append(parts, fmt.Sprintf("%d=%#x", x.sector, x.value))
	}
	return strings.Join(parts, ",")
}

func (f *fillList) Set(s string) error {
	sec, val, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want SECTOR=BYTE, got %q", s)
	}
	sector, err := strconv.ParseUint(sec, 0, 64)
	if err != nil {
		return fmt.Errorf("sector: %w", err)
	}
	value, err := strconv.ParseUint(val, 0, 8)
	if err != nil {
		return fmt.Errorf("byte: %w", err)
	}
	*f = append(*f, fill{sector: sector, value: byte(value)})
	return nil
}

type workload struct {
	verify bool
	dump   int64
	fill   fillList
}

// sectorDriver is the part of guest.Driver the workload uses.
type sectorDriver interface {
	Capacity() uint64
	ReadSectors(sector uint64, buf []byte) error
	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, data []byte) error
}

var _ sectorDriver = (*guest.Driver)(nil)

// run executes fills first, then the dump, then verification against image
// with the fills applied.
func (w *workload) run(ctx context.Context, log *slog.Logger, drv sectorDriver, image []byte, out io.Writer) error {
	expect := append([]byte(nil), image...)

	for _, f := range w.fill {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := bytes.Repeat([]byte{f.value}, virtio.SectorSize)
		if err := drv.WriteSector(f.sector, data); err != nil {
			return fmt.Errorf("fill sector %d: %w", f.sector, err)
		}
		back := make([]byte, virtio.SectorSize)
		if err := drv.ReadSector(f.sector, back); err != nil {
			return fmt.Errorf("read back sector %d: %w", f.sector, err)
		}
		if !bytes.Equal(back, data) {
			return fmt.Errorf("sector %d did not read back as written", f.sector)
		}
		copy(expect[f.sector*virtio.SectorSize:], data)
		log.Info("Filled sector", "sector", f.sector, "byte", fmt.Sprintf("%#x", f.value))
	}

	if w.dump >= 0 {
		buf := make([]byte, virtio.SectorSize)
		if err := drv.ReadSector(uint64(w.dump), buf); err != nil {
			return fmt.Errorf("dump sector %d: %w", w.dump, err)
		}
		fmt.Fprintf(out, "sector %d:\n%s", w.dump, hex.Dump(buf))
	}

	if w.verify {
		return verify(ctx, log, drv, expect)
	}
	return nil
}

func verify(ctx context.Context, log *slog.Logger, drv sectorDriver, expect []byte) error {
	const perRequest = guest.MaxTransfer / virtio.SectorSize

	total := drv.Capacity()
	buf := make([]byte, guest.MaxTransfer)
	var mismatched []uint64

	for sector := uint64(0); sector < total; sector += perRequest {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(uint64(perRequest), total-sector)
		chunk := buf[:n*virtio.SectorSize]
		if err := drv.ReadSectors(sector, chunk); err != nil {
			return fmt.Errorf("verify sector %d: %w", sector, err)
		}
		for i := uint64(0); i < n; i++ {
			got := chunk[i*virtio.SectorSize : (i+1)*virtio.SectorSize]
			off := (sector + i) * virtio.SectorSize
			if !bytes.Equal(got, expect[off:off+virtio.SectorSize]) {
				mismatched = append(mismatched, sector+i)
			}
		}
	}

	if len(mismatched) > 0 {
		return fmt.Errorf("verify: %d of %d sectors differ (first %d)", len(mismatched), total, mismatched[0])
	}
	log.Info("Verified disk", "sectors", total)
	return nil
}
