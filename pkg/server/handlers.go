package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/compoundpi/compoundpi/pkg/camera"
	"github.com/compoundpi/compoundpi/pkg/capture"
	"github.com/compoundpi/compoundpi/pkg/wire"
)

func ok(seq uint32, data []byte) wire.Response {
	return wire.Response{Seq: seq, Status: wire.StatusOK, Data: data}
}

func errResp(seq uint32, format string, args ...any) wire.Response {
	return wire.Response{Seq: seq, Status: wire.StatusError, Message: fmt.Sprintf(format, args...)}
}

// execute runs the effect of a command once (the caller is responsible for
// the seen-seq de-duplication that guarantees this), and returns its
// response, per spec.md §4.4's command semantics.
func (s *Server) execute(src *net.UDPAddr, cmd wire.Command, logger *log.Entry) wire.Response {
	switch cmd.Verb {
	case "STATUS":
		return s.cmdStatus(cmd.Seq)
	case "RESOLUTION":
		return s.cmdResolution(cmd.Seq, cmd.Args)
	case "FRAMERATE":
		return s.cmdFramerate(cmd.Seq, cmd.Args)
	case "AWB":
		return s.cmdAWB(cmd.Seq, cmd.Args)
	case "EXPOSURE":
		return s.cmdExposure(cmd.Seq, cmd.Args)
	case "ISO":
		return s.cmdISO(cmd.Seq, cmd.Args)
	case "METERING":
		return s.cmdMetering(cmd.Seq, cmd.Args)
	case "LEVELS":
		return s.cmdLevels(cmd.Seq, cmd.Args)
	case "FLIP":
		return s.cmdFlip(cmd.Seq, cmd.Args)
	case "AGC":
		return s.cmdAGC(cmd.Seq, cmd.Args)
	case "DENOISE":
		return s.cmdDenoise(cmd.Seq, cmd.Args)
	case "QUALITY":
		return s.cmdQuality(cmd.Seq, cmd.Args)
	case "BLINK":
		return s.cmdBlink(cmd.Seq)
	case "CAPTURE":
		return s.cmdCapture(cmd.Seq, cmd.Args, logger)
	case "LIST":
		return s.cmdList(cmd.Seq)
	case "CLEAR":
		return s.cmdClear(cmd.Seq)
	case "SEND":
		return s.cmdSend(cmd.Seq, cmd.Args, src)
	default:
		return errResp(cmd.Seq, "unhandled verb %s", cmd.Verb)
	}
}

// withSettings applies mutate to a snapshot of the current settings,
// validates and configures the camera with the result, and only commits the
// snapshot on success — state is left unchanged on failure, per spec.md §4.4.
func (s *Server) withSettings(mutate func(*camera.Settings) error) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	next := s.settings
	if err := mutate(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.cam.Configure(next); err != nil {
		return err
	}
	s.settings = next
	return nil
}

func (s *Server) currentSettings() camera.Settings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.settings
}

func (s *Server) cmdStatus(seq uint32) wire.Response {
	set := s.currentSettings()
	now := time.Now().UTC()
	lines := []string{
		fmt.Sprintf("RESOLUTION %d %d", set.Width, set.Height),
		"FRAMERATE " + wire.FormatFraction(set.FramerateNum, set.FramerateDenom),
		fmt.Sprintf("AWB %s %g %g", set.AWBMode, set.AWBRed, set.AWBBlue),
		fmt.Sprintf("EXPOSURE %s %d %d", set.ExposureMode, set.ExposureSpeedMs, set.ExposureCompensation),
		fmt.Sprintf("ISO %d", set.ISO),
		"METERING " + set.MeteringMode,
		fmt.Sprintf("LEVELS %d %d %d", set.Brightness, set.Contrast, set.Saturation),
		fmt.Sprintf("FLIP %s %s", boolFlag(set.HFlip), boolFlag(set.VFlip)),
		"TIMESTAMP " + wire.FormatTimestamp(now),
		fmt.Sprintf("IMAGES %d", s.store.Len()),
	}
	return ok(seq, []byte(joinLines(lines)))
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (s *Server) cmdResolution(seq uint32, args []string) wire.Response {
	w, err1 := strconv.Atoi(args[0])
	h, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return errResp(seq, "invalid resolution arguments")
	}
	err := s.withSettings(func(set *camera.Settings) error {
		set.Width, set.Height = w, h
		return nil
	})
	if err != nil {
		return errResp(seq, "%v", err)
	}
	return ok(seq, nil)
}

func (s *Server) cmdFramerate(seq uint32, args []string) wire.Response {
	num, denom, err := wire.ParseFraction(args[0])
	if err != nil {
		return errResp(seq, "invalid framerate: %v", err)
	}
	cfgErr := s.withSettings(func(set *camera.Settings) error {
		set.FramerateNum, set.FramerateDenom = num, denom
		return nil
	})
	if cfgErr != nil {
		return errResp(seq, "%v", cfgErr)
	}
	return ok(seq, nil)
}

func (s *Server) cmdAWB(seq uint32, args []string) wire.Response {
	mode := args[0]
	var red, blue float64
	if len(args) == 3 {
		var err1, err2 error
		red, err1 = strconv.ParseFloat(args[1], 64)
		blue, err2 = strconv.ParseFloat(args[2], 64)
		if err1 != nil || err2 != nil {
			return errResp(seq, "invalid AWB gains")
		}
	} else if len(args) == 2 {
		return errResp(seq, "AWB requires both red and blue gains")
	}
	err := s.withSettings(func(set *camera.Settings) error {
		set.AWBMode = mode
		if len(args) == 3 {
			set.AWBRed, set.AWBBlue = red, blue
		}
		return nil
	})
	if err != nil {
		return errResp(seq, "%v", err)
	}
	return ok(seq, nil)
}

func (s *Server) cmdExposure(seq uint32, args []string) wire.Response {
	mode := args[0]
	var speed int
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return errResp(seq, "invalid exposure speed")
		}
		speed = v
	}
	err := s.withSettings(func(set *camera.Settings) error {
		set.ExposureMode = mode
		if len(args) == 2 {
			set.ExposureSpeedMs = speed
		}
		return nil
	})
	if err != nil {
		return errResp(seq, "%v", err)
	}
	return ok(seq, nil)
}

func (s *Server) cmdISO(seq uint32, args []string) wire.Response {
	iso, err := strconv.Atoi(args[0])
	if err != nil {
		return errResp(seq, "invalid ISO")
	}
	cfgErr := s.withSettings(func(set *camera.Settings) error {
		set.ISO = iso
		return nil
	})
	if cfgErr != nil {
		return errResp(seq, "%v", cfgErr)
	}
	return ok(seq, nil)
}

func (s *Server) cmdMetering(seq uint32, args []string) wire.Response {
	err := s.withSettings(func(set *camera.Settings) error {
		set.MeteringMode = args[0]
		return nil
	})
	if err != nil {
		return errResp(seq, "%v", err)
	}
	return ok(seq, nil)
}

func (s *Server) cmdLevels(seq uint32, args []string) wire.Response {
	vals := make([]int, 4)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return errResp(seq, "invalid level argument %q", a)
		}
		vals[i] = v
	}
	err := s.withSettings(func(set *camera.Settings) error {
		set.Brightness, set.Contrast, set.Saturation, set.ExposureCompensation = vals[0], vals[1], vals[2], vals[3]
		return nil
	})
	if err != nil {
		return errResp(seq, "%v", err)
	}
	return ok(seq, nil)
}

func (s *Server) cmdFlip(seq uint32, args []string) wire.Response {
	h, err1 := strconv.ParseBool(args[0])
	v, err2 := strconv.ParseBool(args[1])
	if err1 != nil || err2 != nil {
		return errResp(seq, "invalid flip arguments")
	}
	_ = s.withSettings(func(set *camera.Settings) error {
		set.HFlip, set.VFlip = h, v
		return nil
	})
	return ok(seq, nil)
}

func (s *Server) cmdAGC(seq uint32, args []string) wire.Response {
	_ = s.withSettings(func(set *camera.Settings) error {
		set.AGCMode = args[0]
		return nil
	})
	return ok(seq, nil)
}

func (s *Server) cmdDenoise(seq uint32, args []string) wire.Response {
	v, err := strconv.ParseBool(args[0])
	if err != nil {
		return errResp(seq, "invalid denoise flag")
	}
	_ = s.withSettings(func(set *camera.Settings) error {
		set.Denoise = v
		return nil
	})
	return ok(seq, nil)
}

func (s *Server) cmdQuality(seq uint32, args []string) wire.Response {
	q, err := strconv.Atoi(args[0])
	if err != nil {
		return errResp(seq, "invalid quality")
	}
	cfgErr := s.withSettings(func(set *camera.Settings) error {
		set.Quality = q
		return nil
	})
	if cfgErr != nil {
		return errResp(seq, "%v", cfgErr)
	}
	return ok(seq, nil)
}

func (s *Server) cmdBlink(seq uint32) wire.Response {
	if err := s.cam.Blink(s.opts.BlinkDuration); err != nil {
		return errResp(seq, "blink failed: %v", err)
	}
	return ok(seq, nil)
}

// cmdCapture implements CAPTURE [count [video-port [sync]]], per
// spec.md §4.4. When sync is present it must be a future absolute
// timestamp; the handler blocks until that instant before capturing, and
// (per the open question in spec.md §9) emits OK only after every image
// has been captured and stored.
func (s *Server) cmdCapture(seq uint32, args []string, logger *log.Entry) wire.Response {
	count := 1
	useVideoPort := false
	var at *time.Time

	if len(args) >= 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return errResp(seq, "invalid capture count")
		}
		count = v
	}
	if len(args) >= 2 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return errResp(seq, "invalid video port")
		}
		useVideoPort = port != 0
	}
	if len(args) == 3 {
		ts, err := wire.ParseTimestamp(args[2])
		if err != nil {
			return errResp(seq, "invalid sync timestamp: %v", err)
		}
		at = &ts
	}

	pipeline := capture.Pipeline{Camera: s.cam, Store: s.store}
	indices, err := pipeline.Run(context.Background(), count, useVideoPort, at)
	if err != nil {
		return errResp(seq, "capture failed: %v", err)
	}
	logger.WithField("indices", indices).Debug("captured images")
	return ok(seq, nil)
}

func (s *Server) cmdList(seq uint32) wire.Response {
	images := s.store.List()
	lines := make([]string, len(images))
	for i, img := range images {
		lines[i] = fmt.Sprintf("IMAGE %d %s %d", i, wire.FormatTimestamp(img.Timestamp), img.Size())
	}
	return ok(seq, []byte(joinLines(lines)))
}

func (s *Server) cmdClear(seq uint32) wire.Response {
	s.store.Clear()
	return ok(seq, nil)
}

func (s *Server) cmdSend(seq uint32, args []string, src *net.UDPAddr) wire.Response {
	index, err1 := strconv.Atoi(args[0])
	port, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return errResp(seq, "invalid send arguments")
	}
	img, ok2 := s.store.Get(index)
	if !ok2 {
		return errResp(seq, "image index %d out of range", index)
	}
	if err := s.dialer.SendImage(src.IP, port, img.Data); err != nil {
		return errResp(seq, "send failed: %v", err)
	}
	return ok(seq, nil)
}
