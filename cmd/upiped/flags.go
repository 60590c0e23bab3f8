package main

import (
	"fmt"

	"github.com/urfave/cli"
)

// pipelineConfig holds the resolved flag values used to assemble the
// pipeline: this file only parses and validates, main.go only wires.
type pipelineConfig struct {
	// RTP input (optional: only used when rtpVideoAddr/rtpAudioAddr is set).
	rtpVideoAddr  string
	rtcpVideoAddr string
	rtpAudioAddr  string
	rtcpAudioAddr string
	audioClock    uint

	// File input (optional, mutually exclusive with the live sources above).
	fileIn string

	// Output sink: "null" (default), "file:<path>", or "udp:<host:port>".
	out string

	// TS program layout.
	programNum int
	patPID     int
	pmtPID     int
	videoPID   int
	audioPID   int
	videoType  int
	audioType  int

	// tsaggregate/muxctrl shaping.
	mtuPackets int
	octetRate  uint
	mode       string

	logLevel string
}

func buildFlags(cfg *pipelineConfig) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "rtp-video", Usage: "UDP address to receive H.264 RTP video on", Destination: &cfg.rtpVideoAddr},
		cli.StringFlag{Name: "rtcp-video", Usage: "UDP address to receive video RTCP sender reports on", Destination: &cfg.rtcpVideoAddr},
		cli.StringFlag{Name: "rtp-audio", Usage: "UDP address to receive RTP audio on", Destination: &cfg.rtpAudioAddr},
		cli.StringFlag{Name: "rtcp-audio", Usage: "UDP address to receive audio RTCP sender reports on", Destination: &cfg.rtcpAudioAddr},
		cli.UintFlag{Name: "audio-clock", Value: 48000, Usage: "RTP audio clock rate in Hz", Destination: &cfg.audioClock},

		cli.StringFlag{Name: "file-in", Usage: "Replay a recording written by the file sink instead of a live source", Destination: &cfg.fileIn},

		cli.StringFlag{Name: "out", Value: "null", Usage: "Output sink: null | file:<path> | udp:<host:port>", Destination: &cfg.out},

		cli.IntFlag{Name: "program-num", Value: 1, Destination: &cfg.programNum},
		cli.IntFlag{Name: "pat-pid", Value: 0x0000, Destination: &cfg.patPID},
		cli.IntFlag{Name: "pmt-pid", Value: 0x1000, Destination: &cfg.pmtPID},
		cli.IntFlag{Name: "video-pid", Value: 0x0100, Destination: &cfg.videoPID},
		cli.IntFlag{Name: "audio-pid", Value: 0x0101, Destination: &cfg.audioPID},
		cli.IntFlag{Name: "video-stream-type", Value: 0x1B, Usage: "PMT stream type for video (0x1B = H.264)", Destination: &cfg.videoType},
		cli.IntFlag{Name: "audio-stream-type", Value: 0x0F, Usage: "PMT stream type for audio (0x0F = AAC)", Destination: &cfg.audioType},

		cli.IntFlag{Name: "mtu-packets", Value: 7, Usage: "Number of 188-byte TS packets per output aggregate", Destination: &cfg.mtuPackets},
		cli.UintFlag{Name: "rate", Usage: "Output octet rate for cbr/cappedvbr modes (bytes/sec)", Destination: &cfg.octetRate},
		cli.StringFlag{Name: "mode", Value: "vbr", Usage: "Aggregator rate mode: vbr | cbr | cappedvbr", Destination: &cfg.mode},

		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug|info|warn|error", Destination: &cfg.logLevel},
	}
}

func (c *pipelineConfig) validate() error {
	switch c.mode {
	case "vbr", "cbr", "cappedvbr":
	default:
		return fmt.Errorf("invalid -mode %q: must be vbr, cbr, or cappedvbr", c.mode)
	}
	if (c.mode == "cbr" || c.mode == "cappedvbr") && c.octetRate == 0 {
		return fmt.Errorf("-rate is required in %s mode", c.mode)
	}
	if c.mtuPackets <= 0 {
		return fmt.Errorf("-mtu-packets must be positive")
	}
	sources := 0
	if c.rtpVideoAddr != "" || c.rtpAudioAddr != "" {
		sources++
	}
	if c.fileIn != "" {
		sources++
	}
	if sources == 0 {
		return fmt.Errorf("no input source configured: set -rtp-video/-rtp-audio or -file-in")
	}
	if sources > 1 {
		return fmt.Errorf("only one input source kind may be configured at a time")
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid -log-level %q", c.logLevel)
	}
	return nil
}
