package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/compoundpi/compoundpi/pkg/wire"
)

func itoa(n int) string       { return strconv.Itoa(n) }
func ftoa(f float64) string   { return strconv.FormatFloat(f, 'g', -1, 64) }
func btoa(b bool) string      { return strconv.FormatBool(b) }
func atoi(s string) (int, error) { return strconv.Atoi(s) }

// btoa01 renders a bool as "0"/"1", the form the CAPTURE verb's video-port
// flag uses on the wire.
func btoa01(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func fieldsOf(line string) []string {
	return strings.Fields(line)
}

// applyStatusLine parses one STATUS data line into rec, following the fixed
// field order from spec.md §6.
func applyStatusLine(rec *StatusRecord, fields []string) error {
	switch fields[0] {
	case "RESOLUTION":
		if len(fields) != 3 {
			return fmt.Errorf("client: malformed RESOLUTION line")
		}
		w, err1 := atoi(fields[1])
		h, err2 := atoi(fields[2])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("client: malformed RESOLUTION line")
		}
		rec.Settings.Width, rec.Settings.Height = w, h
	case "FRAMERATE":
		if len(fields) != 2 {
			return fmt.Errorf("client: malformed FRAMERATE line")
		}
		num, denom, err := wire.ParseFraction(fields[1])
		if err != nil {
			return err
		}
		rec.Settings.FramerateNum, rec.Settings.FramerateDenom = num, denom
	case "AWB":
		if len(fields) != 4 {
			return fmt.Errorf("client: malformed AWB line")
		}
		red, err1 := strconv.ParseFloat(fields[2], 64)
		blue, err2 := strconv.ParseFloat(fields[3], 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("client: malformed AWB line")
		}
		rec.Settings.AWBMode = fields[1]
		rec.Settings.AWBRed, rec.Settings.AWBBlue = red, blue
	case "EXPOSURE":
		if len(fields) != 4 {
			return fmt.Errorf("client: malformed EXPOSURE line")
		}
		speed, err1 := atoi(fields[2])
		comp, err2 := atoi(fields[3])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("client: malformed EXPOSURE line")
		}
		rec.Settings.ExposureMode = fields[1]
		rec.Settings.ExposureSpeedMs, rec.Settings.ExposureCompensation = speed, comp
	case "ISO":
		if len(fields) != 2 {
			return fmt.Errorf("client: malformed ISO line")
		}
		iso, err := atoi(fields[1])
		if err != nil {
			return err
		}
		rec.Settings.ISO = iso
	case "METERING":
		if len(fields) != 2 {
			return fmt.Errorf("client: malformed METERING line")
		}
		rec.Settings.MeteringMode = fields[1]
	case "LEVELS":
		if len(fields) != 4 {
			return fmt.Errorf("client: malformed LEVELS line")
		}
		b, err1 := atoi(fields[1])
		cst, err2 := atoi(fields[2])
		s, err3 := atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("client: malformed LEVELS line")
		}
		rec.Settings.Brightness, rec.Settings.Contrast, rec.Settings.Saturation = b, cst, s
	case "FLIP":
		if len(fields) != 3 {
			return fmt.Errorf("client: malformed FLIP line")
		}
		h, err1 := strconv.ParseBool(fields[1])
		v, err2 := strconv.ParseBool(fields[2])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("client: malformed FLIP line")
		}
		rec.Settings.HFlip, rec.Settings.VFlip = h, v
	case "TIMESTAMP":
		if len(fields) != 2 {
			return fmt.Errorf("client: malformed TIMESTAMP line")
		}
		ts, err := wire.ParseTimestamp(fields[1])
		if err != nil {
			return err
		}
		rec.Timestamp = ts
	case "IMAGES":
		if len(fields) != 2 {
			return fmt.Errorf("client: malformed IMAGES line")
		}
		n, err := atoi(fields[1])
		if err != nil {
			return err
		}
		rec.Images = n
	}
	return nil
}
