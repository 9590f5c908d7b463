package daq

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coldlab-data/fountain/internal/httputil"
)

// RemoteBackend talks to the acquisition board over HTTP. The board serves
// the latest captured trace per channel at /<channel>.dat; arming is a
// POST to /trigger on boards that support it, a no-op otherwise.
type RemoteBackend struct {
	BaseURL    string // e.g. http://10.0.0.12:8001
	UpChannel  string // defaults to ch1
	DwChannel  string // defaults to ch2
	Decimation int
	CanTrigger bool          // board exposes POST /trigger
	Timeout    time.Duration // per-request budget, 0 means 2s
	Client     httputil.HTTPClient
}

func (b *RemoteBackend) client() httputil.HTTPClient {
	if b.Client != nil {
		return b.Client
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return httputil.NewStandardClient(&http.Client{Timeout: timeout})
}

func (b *RemoteBackend) channels() (up, dw string) {
	up, dw = b.UpChannel, b.DwChannel
	if up == "" {
		up = "ch1"
	}
	if dw == "" {
		dw = "ch2"
	}
	return up, dw
}

// Trigger arms the board for one shot. A board without a trigger endpoint
// is armed by the sequencer's hardware line, so only the timestamp is
// recorded. A reachability failure here is escalated to the whole run.
func (b *RemoteBackend) Trigger(ctx context.Context, index int) (Handle, error) {
	h := Handle{Index: index, TriggeredAt: time.Now()}
	if !b.CanTrigger {
		return h, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/trigger", nil)
	if err != nil {
		return Handle{}, Fatal(err)
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Handle{}, fmt.Errorf("%w: trigger returned %s", ErrDeviceUnreachable, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return Handle{}, Fatal(fmt.Errorf("trigger returned %s", resp.Status))
	}
	return h, nil
}

// Fetch pulls both channel traces for the shot. Network failures and 5xx
// responses are transient; a 4xx means the channel does not exist and no
// retry will fix that.
func (b *RemoteBackend) Fetch(ctx context.Context, h Handle) (RawStep, error) {
	up, dw := b.channels()

	upTime, upTrace, err := b.fetchChannel(ctx, up)
	if err != nil {
		return RawStep{}, err
	}
	_, dwTrace, err := b.fetchChannel(ctx, dw)
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

func (b *RemoteBackend) fetchChannel(ctx context.Context, channel string) (time.Time, []float64, error) {
	url := fmt.Sprintf("%s/%s.dat", b.BaseURL, channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, nil, Fatal(err)
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return time.Time{}, nil, Transient(fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return time.Time{}, nil, Transient(fmt.Errorf("fetch %s: %s", url, resp.Status))
	case resp.StatusCode >= 400:
		return time.Time{}, nil, Fatal(fmt.Errorf("fetch %s: %s", url, resp.Status))
	}

	trigger, voltages, err := parseDat(resp.Body, time.Now())
	if err != nil {
		return time.Time{}, nil, Transient(fmt.Errorf("read %s: %w", url, err))
	}
	if len(voltages) == 0 {
		return time.Time{}, nil, Transient(fmt.Errorf("fetch %s: empty trace", url))
	}
	return trigger, voltages, nil
}

// Status checks the board with a HEAD on the up channel.
func (b *RemoteBackend) Status(ctx context.Context) (Status, error) {
	up, _ := b.channels()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("%s/%s.dat", b.BaseURL, up), nil)
	if err != nil {
		return StatusError, err
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return StatusError, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return StatusError, nil
	}
	return StatusIdle, nil
}
