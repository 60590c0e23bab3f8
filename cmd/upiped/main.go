// Command upiped assembles one elementary-stream-to-MPEG-TS pipeline from
// the pkg/modules building blocks: an RTP or file-replay source feeds a
// pair of tsencaps encapsulators, a muxctrl.Mux schedules them plus a
// psiinserter PAT/PMT source into one tsaggregate.Aggregator, and the
// resulting TS aggregates go to a file, UDP, or null sink.
//
// Grounded on the urfave/cli-driven flag parsing, logger.Init, and
// signal.NotifyContext-based graceful shutdown (with a forced-exit
// timeout) pattern, generalized here to one goroutine per UDP source plus
// one upump.Manager timer driving the mux tick.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/alxayo/upipe-go/internal/logger"
	"github.com/alxayo/upipe-go/pkg/modules/filesink"
	"github.com/alxayo/upipe-go/pkg/modules/filesrc"
	"github.com/alxayo/upipe-go/pkg/modules/nullsink"
	"github.com/alxayo/upipe-go/pkg/modules/psiinserter"
	"github.com/alxayo/upipe-go/pkg/modules/rtpdecaps"
	"github.com/alxayo/upipe-go/pkg/modules/udpsink"
	"github.com/alxayo/upipe-go/pkg/muxctrl"
	"github.com/alxayo/upipe-go/pkg/tsaggregate"
	"github.com/alxayo/upipe-go/pkg/tsencaps"
	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/uclock"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/umem"
	"github.com/alxayo/upipe-go/pkg/uprobe"
	"github.com/alxayo/upipe-go/pkg/upump"
	"github.com/alxayo/upipe-go/pkg/uref"
)

var version = "dev"

func main() {
	cfg := &pipelineConfig{}
	app := cli.NewApp()
	app.Name = "upiped"
	app.Usage = "run a upipe-style RTP/file-to-MPEG-TS pipeline"
	app.Version = version
	app.Flags = buildFlags(cfg)
	app.Action = func(*cli.Context) error { return run(cfg) }

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *pipelineConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		return err
	}
	log := logger.Logger().With("component", "upiped")

	p, err := newPipeline(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	p.start(gctx, g)

	log.Info("upiped started", "mode", cfg.mode, "out", cfg.out)
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.stop()
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("upiped stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
	return nil
}

// sink is the common tail of the pipeline: one place downstream TS
// aggregates are delivered, whatever the underlying transport.
type sink interface {
	Write(payload []byte) error
	Close() error
}

type fileSinkAdapter struct {
	s     *filesink.Sink
	alloc umem.Allocator
}

func (f fileSinkAdapter) Write(payload []byte) error {
	ref, err := wrapRaw(f.alloc, payload)
	if err != nil {
		return err
	}
	return f.s.Input(ref)
}
func (f fileSinkAdapter) Close() error { return f.s.Close() }

type nullSinkAdapter struct {
	s     *nullsink.Sink
	alloc umem.Allocator
}

func (n nullSinkAdapter) Write(payload []byte) error {
	ref, err := wrapRaw(n.alloc, payload)
	if err != nil {
		return err
	}
	return n.s.Input(ref)
}
func (nullSinkAdapter) Close() error { return nil }

// wrapRaw builds a uref directly over payload's bytes for the sink adapters,
// which only need the byte-carrying half of the uref/ubuf contract (the
// aggregate bytes leaving muxctrl have no clock/dict metadata of their own).
func wrapRaw(alloc umem.Allocator, payload []byte) (*uref.Ref, error) {
	blk, err := ubuf.AllocBlock(alloc, len(payload))
	if err != nil {
		return nil, err
	}
	dst, err := blk.Write(0, len(payload))
	if err != nil {
		blk.Free()
		return nil, err
	}
	copy(dst, payload)
	ref := uref.Alloc(nil)
	ref.AttachBlock(blk)
	return ref, nil
}

func buildSink(spec string, alloc umem.Allocator) (sink, error) {
	switch {
	case spec == "" || spec == "null":
		return nullSinkAdapter{s: &nullsink.Sink{}, alloc: alloc}, nil
	case strings.HasPrefix(spec, "file:"):
		path := strings.TrimPrefix(spec, "file:")
		fs, err := filesink.New(path, false, logger.Logger())
		if err != nil {
			return nil, err
		}
		return fileSinkAdapter{s: fs, alloc: alloc}, nil
	case strings.HasPrefix(spec, "udp:"):
		addr := strings.TrimPrefix(spec, "udp:")
		us, err := udpsink.Dial(addr)
		if err != nil {
			return nil, err
		}
		return udpSinkAdapter{s: us}, nil
	default:
		return nil, fmt.Errorf("unrecognized -out %q: want null | file:<path> | udp:<host:port>", spec)
	}
}

type udpSinkAdapter struct{ s *udpsink.Sink }

func (u udpSinkAdapter) Write(payload []byte) error { return u.s.Write(payload) }
func (u udpSinkAdapter) Close() error               { return u.s.Close() }

// pipeline owns every long-lived component assembled from a pipelineConfig
// and the goroutines/timers feeding them.
type pipeline struct {
	cfg *pipelineConfig
	log *slog.Logger

	alloc *umem.SimpleAllocator
	mgr   *udict.Manager

	videoEncaps *tsencaps.Encaps
	audioEncaps *tsencaps.Encaps
	agg         *tsaggregate.Aggregator
	mux         *muxctrl.Mux
	psi         *psiinserter.Inserter

	out sink

	loop *upump.Manager

	udpConns []net.PacketConn
}

func newPipeline(cfg *pipelineConfig, log *slog.Logger) (*pipeline, error) {
	alloc := umem.NewSimpleAllocator()
	mgr := udict.NewManager()

	mode := map[string]tsaggregate.Mode{"vbr": tsaggregate.VBR, "cbr": tsaggregate.CBR, "cappedvbr": tsaggregate.CappedVBR}[cfg.mode]

	probe := uprobe.New(func(pipe uprobe.Pipe, event *uprobe.Event) error {
		log.Warn("pipe event", "pipe", pipe.Name(), "event", event.Type)
		return nil
	})

	agg, err := tsaggregate.New(mode, cfg.mtuPackets, uint64(cfg.octetRate), alloc, probe)
	if err != nil {
		return nil, fmt.Errorf("tsaggregate.New: %w", err)
	}
	mux := muxctrl.New(agg, uclock.Freq/10)

	videoRate, audioRate := splitRate(cfg.octetRate)
	videoEncaps, err := tsencaps.New(tsencaps.FlowDef{OctetRate: videoRate, PID: uint16(cfg.videoPID), PESStreamID: 0xE0, IsPCR: true}, alloc)
	if err != nil {
		return nil, fmt.Errorf("tsencaps.New(video): %w", err)
	}
	audioEncaps, err := tsencaps.New(tsencaps.FlowDef{OctetRate: audioRate, PID: uint16(cfg.audioPID), PESStreamID: 0xC0}, alloc)
	if err != nil {
		return nil, fmt.Errorf("tsencaps.New(audio): %w", err)
	}
	mux.AddSource("video", videoEncaps, muxctrl.PriorityVideo)
	mux.AddSource("audio", audioEncaps, muxctrl.PriorityAudio)

	psi, err := psiinserter.New(psiinserter.Config{
		PAT_PID:    uint16(cfg.patPID),
		PMT_PID:    uint16(cfg.pmtPID),
		ProgramNum: uint16(cfg.programNum),
		PCR_PID:    uint16(cfg.videoPID),
		Streams: []psiinserter.ProgramStream{
			{PID: uint16(cfg.videoPID), StreamType: uint8(cfg.videoType)},
			{PID: uint16(cfg.audioPID), StreamType: uint8(cfg.audioType)},
		},
	}, alloc)
	if err != nil {
		return nil, fmt.Errorf("psiinserter.New: %w", err)
	}
	mux.AddSource("psi", psi, muxctrl.PriorityPSI)

	out, err := buildSink(cfg.out, alloc)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		cfg: cfg, log: log,
		alloc: alloc, mgr: mgr,
		videoEncaps: videoEncaps, audioEncaps: audioEncaps,
		agg: agg, mux: mux, psi: psi,
		out:  out,
		loop: upump.NewManager(),
	}
	return p, nil
}

func splitRate(total uint) (video, audio uint64) {
	if total == 0 {
		return 1_500_000, 250_000
	}
	v := uint64(total) * 85 / 100
	return v, uint64(total) - v
}

// start launches every background activity: the mux tick timer, any RTP
// listeners feeding the encaps inputs, and (via g) the goroutines whose
// lifetime errgroup should track.
func (p *pipeline) start(ctx context.Context, g *errgroup.Group) {
	p.loop.AddTimerPeriodic(10*time.Millisecond, p.tick)
	g.Go(func() error { p.loop.Run(); return nil })

	switch {
	case p.cfg.rtpVideoAddr != "" || p.cfg.rtpAudioAddr != "":
		p.startRTP(ctx, g)
	case p.cfg.fileIn != "":
		g.Go(func() error { return p.replayFile() })
	}
}

func (p *pipeline) stop() {
	p.loop.Stop()
	for _, c := range p.udpConns {
		_ = c.Close()
	}
	if err := p.out.Close(); err != nil {
		p.log.Warn("sink close error", "error", err)
	}
}

// tick runs one muxctrl scheduling step and forwards whatever aggregate
// comes out to the configured sink.
func (p *pipeline) tick() {
	blk, _, ok, err := p.mux.Tick(uclock.Now())
	if err != nil {
		p.log.Error("mux tick error", "error", err)
		return
	}
	if !ok || blk == nil {
		return
	}
	data, err := blk.Read(0, blk.Size())
	if err != nil {
		p.log.Error("aggregate read error", "error", err)
		return
	}
	if err := p.out.Write(data); err != nil {
		p.log.Warn("sink write error", "error", err)
	}
}

func (p *pipeline) startRTP(ctx context.Context, g *errgroup.Group) {
	if p.cfg.rtpVideoAddr != "" {
		p.startRTPLeg(ctx, g, rtpdecaps.Config{Kind: rtpdecaps.KindH264, ClockRate: 90000}, p.cfg.rtpVideoAddr, p.cfg.rtcpVideoAddr, p.videoEncaps)
	}
	if p.cfg.rtpAudioAddr != "" {
		p.startRTPLeg(ctx, g, rtpdecaps.Config{Kind: rtpdecaps.KindAudio, ClockRate: uint32(p.cfg.audioClock)}, p.cfg.rtpAudioAddr, p.cfg.rtcpAudioAddr, p.audioEncaps)
	}
}

func (p *pipeline) startRTPLeg(ctx context.Context, g *errgroup.Group, rtpCfg rtpdecaps.Config, rtpAddr, rtcpAddr string, out interface{ Input(*uref.Ref) error }) {
	decaps, err := rtpdecaps.New(rtpCfg, p.mgr, p.alloc)
	if err != nil {
		p.log.Error("rtpdecaps.New failed", "error", err)
		return
	}

	conn, err := net.ListenPacket("udp", rtpAddr)
	if err != nil {
		p.log.Error("rtp listen failed", "addr", rtpAddr, "error", err)
		return
	}
	p.udpConns = append(p.udpConns, conn)
	g.Go(func() error { return readDatagrams(ctx, conn, func(buf []byte) {
		refs, err := decaps.Input(buf)
		if err != nil {
			p.log.Warn("rtp decapsulation error", "error", err)
			return
		}
		for _, ref := range refs {
			if err := out.Input(ref); err != nil {
				p.log.Warn("encaps input error", "error", err)
			}
		}
	}) })

	if rtcpAddr == "" {
		return
	}
	rtcpConn, err := net.ListenPacket("udp", rtcpAddr)
	if err != nil {
		p.log.Error("rtcp listen failed", "addr", rtcpAddr, "error", err)
		return
	}
	p.udpConns = append(p.udpConns, rtcpConn)
	g.Go(func() error { return readDatagrams(ctx, rtcpConn, func(buf []byte) {
		if err := decaps.InputRTCP(buf); err != nil {
			p.log.Warn("rtcp parse error", "error", err)
		}
	}) })
}

// readDatagrams runs a read loop until ctx is cancelled, dispatching each
// received datagram to onPacket. A short read deadline lets the loop notice
// cancellation promptly without a dedicated wakeup mechanism, the same
// polling shape upump.Manager.AddFDRead uses for TCP readiness.
func readDatagrams(ctx context.Context, conn net.PacketConn, onPacket func([]byte)) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		onPacket(cp)
	}
}

func (p *pipeline) replayFile() error {
	src, err := filesrc.Open(p.cfg.fileIn, p.mgr, p.alloc)
	if err != nil {
		return fmt.Errorf("filesrc.Open: %w", err)
	}
	defer src.Close()

	for {
		ref, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("filesrc.Next: %w", err)
		}
		if err := p.videoEncaps.Input(ref); err != nil {
			p.log.Warn("replay input error", "error", err)
		}
	}
}
