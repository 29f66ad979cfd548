package media

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	frameInterval = 20 * time.Millisecond

	opusPayloadType = 111
	opusSampleStep  = 960 // 48kHz * 20ms

	vp8PayloadType = 96
	vp8SampleStep  = 1800 // 90kHz / ~50fps
)

// opusSilence is a minimal DTX frame, written while no real capture device
// feeds the track.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func newLocalTrack(kind string) (*webrtc.TrackLocalStaticRTP, error) {
	switch kind {
	case Audio:
		return webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: DefaultClockRate,
			Channels:  2,
		}, "audio", "ringlink")
	case Video:
		return webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "ringlink")
	default:
		return nil, fmt.Errorf("unsupported media kind: %s", kind)
	}
}

// RTPWriter feeds a local static track with a steady packet cadence. It is
// the stand-in capture source; muting stops the payload without stopping
// the clock.
type RTPWriter struct {
	track *webrtc.TrackLocalStaticRTP
	kind  string

	muted  atomic.Bool
	stop   chan struct{}
	stopMu sync.Once
}

// NewRTPWriter creates a writer for the given track.
func NewRTPWriter(track *webrtc.TrackLocalStaticRTP, kind string) *RTPWriter {
	return &RTPWriter{
		track: track,
		kind:  kind,
		stop:  make(chan struct{}),
	}
}

// Start begins writing packets until Stop is called.
func (w *RTPWriter) Start() {
	payloadType := uint8(opusPayloadType)
	step := uint32(opusSampleStep)
	if w.kind == Video {
		payloadType = vp8PayloadType
		step = vp8SampleStep
	}

	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: uint16(rand.Intn(1 << 16)),
				Timestamp:      rand.Uint32(),
				SSRC:           rand.Uint32(),
			},
			Payload: opusSilence,
		}
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if w.muted.Load() {
					continue
				}
				packet.Header.SequenceNumber++
				packet.Header.Timestamp += step
				if err := w.track.WriteRTP(packet); err != nil {
					return
				}
			}
		}
	}()
}

// SetMuted pauses or resumes the payload.
func (w *RTPWriter) SetMuted(muted bool) {
	w.muted.Store(muted)
}

// Stop halts the writer. Safe to call more than once.
func (w *RTPWriter) Stop() {
	w.stopMu.Do(func() {
		close(w.stop)
	})
}
