package transports

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/logger"
)

// SessionDescription is a small DTO so embedding servers do not have to
// expose webrtc types in their own wire format.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Peer is one negotiated connection with an embedding page: its
// microphone arrives as a remote Opus track and synthesized speech leaves
// on a local track. It exposes the two ends as audio.Source / audio.Sink
// for the orchestrator.
type Peer struct {
	pc       *webrtc.PeerConnection
	outTrack *webrtc.TrackLocalStaticSample

	sampleRate int
	sources    chan *TrackSource
}

// PeerConfig tunes a Peer.
type PeerConfig struct {
	// SampleRate for decoded microphone audio (default 16000).
	SampleRate int
	// ICEServers overrides the default public STUN server.
	ICEServers []webrtc.ICEServer
}

// NewPeer builds the peer connection with default codecs and interceptors
// and prepares the outbound speech track.
func NewPeer(config PeerConfig) (*Peer, error) {
	if config.SampleRate <= 0 {
		config.SampleRate = audio.DefaultSampleRate
	}
	if len(config.ICEServers) == 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"mirai-audio", "mirai")
	if err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		pc.Close()
		return nil, err
	}

	p := &Peer{
		pc:         pc,
		outTrack:   outTrack,
		sampleRate: config.SampleRate,
		sources:    make(chan *TrackSource, 1),
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		logger.Info("[WebRTC] Remote audio track: %s", remote.Codec().MimeType)
		src, err := NewTrackSource(remote, p.sampleRate)
		if err != nil {
			logger.Error("[WebRTC] Track source: %v", err)
			return
		}
		select {
		case p.sources <- src:
		default:
			src.Close()
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("[WebRTC] Peer connection state: %s", state)
	})

	return p, nil
}

// HandleOffer applies the page's SDP offer and returns the answer, waiting
// for ICE gathering to complete so the answer is self-contained.
func (p *Peer) HandleOffer(offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("webrtc: invalid offer")
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offer.SDP,
	}); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	<-gathered
	local := p.pc.LocalDescription()
	return SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

// Acquire implements the orchestrator's StreamProvider: it hands out the
// microphone source once the page's track has arrived.
func (p *Peer) Acquire(ctx context.Context) (audio.Source, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case src := <-p.sources:
		return src, nil
	}
}

// Sink returns the outbound speech sink toward the page.
func (p *Peer) Sink() (audio.Sink, error) {
	return newTrackSink(p.outTrack, p.sampleRate)
}

// Close shuts the peer connection down.
func (p *Peer) Close() error {
	return p.pc.Close()
}

// TrackSource decodes a remote Opus track into 20ms PCM frames.
type TrackSource struct {
	pipe *audio.Pipe
}

// NewTrackSource starts the decode pump for a remote track.
func NewTrackSource(track *webrtc.TrackRemote, sampleRate int) (*TrackSource, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decoder: %w", err)
	}
	ts := &TrackSource{pipe: audio.NewPipe(sampleRate)}
	go ts.pump(track, dec, sampleRate)
	return ts, nil
}

func (ts *TrackSource) pump(track *webrtc.TrackRemote, dec *opus.Decoder, sampleRate int) {
	defer ts.pipe.Close()

	frameBytes := audio.FrameBytes(sampleRate)
	samples := make([]int16, sampleRate/10) // up to 100ms per packet
	var buf []byte

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug("[WebRTC] Track ended: %v", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			continue
		}
		for i := 0; i < n; i++ {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(samples[i]))
			buf = append(buf, b[0], b[1])
		}
		for len(buf) >= frameBytes {
			frame := make(audio.Frame, frameBytes)
			copy(frame, buf[:frameBytes])
			buf = buf[frameBytes:]
			if err := ts.pipe.Push(frame); err != nil {
				return
			}
		}
	}
}

// ReadFrame delivers the next decoded microphone frame.
func (ts *TrackSource) ReadFrame(ctx context.Context) (audio.Frame, error) {
	return ts.pipe.ReadFrame(ctx)
}

// SampleRate returns the decoded sample rate.
func (ts *TrackSource) SampleRate() int { return ts.pipe.SampleRate() }

// Close stops delivery; the RTP pump ends when the track does.
func (ts *TrackSource) Close() error { return ts.pipe.Close() }

// trackSink encodes PCM frames to Opus and writes them onto the outbound
// track. Input frames are upsampled from the engine rate to the track's
// 48kHz clock by sample repetition.
type trackSink struct {
	track      *webrtc.TrackLocalStaticSample
	enc        *opus.Encoder
	sampleRate int
	factor     int
	pcm48      []int16
	packet     []byte
}

func newTrackSink(track *webrtc.TrackLocalStaticSample, sampleRate int) (*trackSink, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encoder: %w", err)
	}
	factor := 48000 / sampleRate
	if factor < 1 {
		factor = 1
	}
	return &trackSink{
		track:      track,
		enc:        enc,
		sampleRate: sampleRate,
		factor:     factor,
		packet:     make([]byte, 4000),
	}, nil
}

func (s *trackSink) WriteFrame(frame audio.Frame) error {
	n := frame.Samples()
	need := n * s.factor
	if cap(s.pcm48) < need {
		s.pcm48 = make([]int16, need)
	}
	s.pcm48 = s.pcm48[:need]
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		for j := 0; j < s.factor; j++ {
			s.pcm48[i*s.factor+j] = v
		}
	}

	written, err := s.enc.Encode(s.pcm48, s.packet)
	if err != nil {
		return fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return s.track.WriteSample(media.Sample{
		Data:     append([]byte(nil), s.packet[:written]...),
		Duration: frame.Duration(s.sampleRate),
	})
}

func (s *trackSink) SampleRate() int { return s.sampleRate }

func (s *trackSink) Close() error { return nil }

var _ audio.Source = (*TrackSource)(nil)
var _ audio.Sink = (*trackSink)(nil)
