package daq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalBackend reads traces from a spool directory written by a DAQ
// process on the same machine. The device writes <channel>.dat after each
// shot; a file that is missing or still empty when we look is transient,
// the writer just has not finished yet.
type LocalBackend struct {
	SpoolDir   string
	UpChannel  string
	DwChannel  string
	Decimation int
}

func (b *LocalBackend) channels() (up, dw string) {
	up, dw = b.UpChannel, b.DwChannel
	if up == "" {
		up = "ch1"
	}
	if dw == "" {
		dw = "ch2"
	}
	return up, dw
}

// Trigger clears any stale spool files so Fetch cannot read the previous
// shot's traces.
func (b *LocalBackend) Trigger(ctx context.Context, index int) (Handle, error) {
	if _, err := os.Stat(b.SpoolDir); err != nil {
		return Handle{}, fmt.Errorf("%w: spool dir: %v", ErrDeviceUnreachable, err)
	}
	up, dw := b.channels()
	for _, ch := range []string{up, dw} {
		path := filepath.Join(b.SpoolDir, ch+".dat")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Handle{}, Fatal(fmt.Errorf("clear spool %s: %w", path, err))
		}
	}
	return Handle{Index: index, TriggeredAt: time.Now()}, nil
}

func (b *LocalBackend) Fetch(ctx context.Context, h Handle) (RawStep, error) {
	up, dw := b.channels()

	upTime, upTrace, err := b.readChannel(up)
	if err != nil {
		return RawStep{}, err
	}
	_, dwTrace, err := b.readChannel(dw)
	if err != nil {
		return RawStep{}, err
	}

	return RawStep{
		Handle:         h,
		TriggerTime:    upTime,
		SampleInterval: SampleInterval(b.Decimation),
		Up:             upTrace,
		Dw:             dwTrace,
	}, nil
}

func (b *LocalBackend) readChannel(channel string) (time.Time, []float64, error) {
	path := filepath.Join(b.SpoolDir, channel+".dat")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil, Transient(fmt.Errorf("spool %s not written yet", path))
		}
		return time.Time{}, nil, Fatal(fmt.Errorf("open spool %s: %w", path, err))
	}
	defer f.Close()

	fallback := time.Now()
	if info, err := f.Stat(); err == nil {
		fallback = info.ModTime()
	}

	trigger, voltages, perr := parseDat(f, fallback)
	if perr != nil {
		return time.Time{}, nil, Transient(fmt.Errorf("read spool %s: %w", path, perr))
	}
	if len(voltages) == 0 {
		return time.Time{}, nil, Transient(fmt.Errorf("spool %s still empty", path))
	}
	return trigger, voltages, nil
}

func (b *LocalBackend) Status(ctx context.Context) (Status, error) {
	if _, err := os.Stat(b.SpoolDir); err != nil {
		return StatusError, fmt.Errorf("%w: spool dir: %v", ErrDeviceUnreachable, err)
	}
	return StatusIdle, nil
}
