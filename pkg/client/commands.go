package client

import (
	"fmt"
	"net"
	"time"

	"github.com/compoundpi/compoundpi/pkg/camera"
	"github.com/compoundpi/compoundpi/pkg/transport"
	"github.com/compoundpi/compoundpi/pkg/wire"
)

// CallError is a response with StatusError, surfaced per spec.md §7 so
// callers can distinguish a peer's explicit rejection from a transport or
// timeout failure.
type CallError struct {
	Addr    net.IP
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("client: %s: %s", e.Addr, e.Message)
}

// call runs one verb across addrs (or every known peer, if addrs is empty)
// and returns each responding peer's parsed outcome keyed by IP string,
// plus the list of peers that never responded within the deadline.
func (c *Coordinator) call(addrs []net.IP, verb string, args []string) (map[string]wire.Response, []net.IP, error) {
	targets, err := c.resolveTargets(addrs)
	if err != nil {
		return nil, nil, err
	}
	if len(targets) == 0 {
		return map[string]wire.Response{}, nil, nil
	}

	var sends []*sendEntry
	var expects []*expectEntry

	if len(addrs) == 0 {
		seq := c.allocSeq()
		payload := wire.EncodeCommand(wire.Command{Seq: seq, Verb: verb, Args: args})
		sends = []*sendEntry{{dest: c.udpAddr(c.broadcastIP), seq: seq, payload: payload}}
		expects = make([]*expectEntry, len(targets))
		for i, p := range targets {
			expects[i] = &expectEntry{addr: p.Addr.String(), seq: seq}
		}
	} else {
		sends = make([]*sendEntry, len(targets))
		expects = make([]*expectEntry, len(targets))
		for i, p := range targets {
			seq := c.allocSeq()
			payload := wire.EncodeCommand(wire.Command{Seq: seq, Verb: verb, Args: args})
			sends[i] = &sendEntry{dest: p.Addr, seq: seq, payload: payload}
			expects[i] = &expectEntry{addr: p.Addr.String(), seq: seq}
		}
	}

	deadline := time.Now().Add(c.opts.Timeout)
	if err := c.runExchange(sends, expects, deadline); err != nil {
		return nil, nil, err
	}

	responses := make(map[string]wire.Response, len(expects))
	var unresponsive []net.IP
	for _, p := range targets {
		var matched *expectEntry
		for _, e := range expects {
			if e.addr == p.Addr.String() {
				matched = e
				break
			}
		}
		if matched != nil && matched.responded {
			responses[p.Addr.IP.String()] = matched.resp
		} else {
			unresponsive = append(unresponsive, p.Addr.IP)
		}
	}
	return responses, unresponsive, nil
}

// simpleCall runs a verb expecting no response data, surfacing any ERROR
// response as a *CallError.
func (c *Coordinator) simpleCall(addrs []net.IP, verb string, args []string) ([]net.IP, error) {
	responses, unresponsive, err := c.call(addrs, verb, args)
	if err != nil {
		return unresponsive, err
	}
	for ipStr, resp := range responses {
		if resp.Status == wire.StatusError {
			return unresponsive, &CallError{Addr: net.ParseIP(ipStr), Message: resp.Message}
		}
	}
	return unresponsive, nil
}

// Hello performs the handshake over addrs, checking each peer's VERSION
// against want exactly, per spec.md §4.3/§9. If addrs is empty the HELLO is
// broadcast, but only responses from already-known peers are collected;
// responders that are not yet known are not added. Peers whose version
// mismatches are removed. ts must be strictly greater than any previously accepted
// value for that source, or the server silently ignores the HELLO.
func (c *Coordinator) Hello(addrs []net.IP, ts time.Time, wantVersion string) ([]net.IP, error) {
	for _, ip := range addrs {
		c.Add(ip)
	}
	responses, unresponsive, err := c.call(addrs, "HELLO", []string{wire.FormatTimestamp(ts)})
	if err != nil {
		return unresponsive, err
	}
	var mismatched []net.IP
	for ipStr, resp := range responses {
		ip := net.ParseIP(ipStr)
		if resp.Status != wire.StatusOK || string(resp.Data) != "VERSION "+wantVersion {
			mismatched = append(mismatched, ip)
			c.Remove(ip)
			continue
		}
		if p, ok := c.Find(ip); ok {
			c.mu.Lock()
			p.SessionStart = ts
			c.mu.Unlock()
		}
	}
	return append(unresponsive, mismatched...), nil
}

// Discover broadcasts HELLO and returns as soon as n distinct peers have
// responded with a matching version (or the overall timeout elapses),
// per spec.md §4.3's find(n).
func (c *Coordinator) Discover(n int, ts time.Time, wantVersion string) ([]*Peer, error) {
	seq := c.allocSeq()

	payload := wire.EncodeCommand(wire.Command{Seq: seq, Verb: "HELLO", Args: []string{wire.FormatTimestamp(ts)}})
	dest := c.udpAddr(c.broadcastIP)
	if err := c.udp.SendTo(payload, dest); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.opts.Timeout)
	found := make(map[string]*Peer)
	buf := make([]byte, 64*1024)
	lastSent := time.Now()

	for len(found) < n {
		now := time.Now()
		if !now.Before(deadline) {
			break
		}
		readUntil := now.Add(c.opts.PollInterval)
		if readUntil.After(deadline) {
			readUntil = deadline
		}
		if err := c.udp.SetReadDeadline(readUntil); err != nil {
			return nil, err
		}
		dgram, err := c.udp.ReceiveFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				if now.Sub(lastSent) >= c.jitter() {
					if err := c.udp.SendTo(payload, dest); err != nil {
						return nil, err
					}
					lastSent = now
				}
				continue
			}
			return nil, err
		}
		resp, err := wire.DecodeResponse(dgram.Payload)
		if err != nil || resp.Seq != seq {
			continue
		}
		c.ack(dgram.Source, resp.Seq)
		if resp.Status != wire.StatusOK || string(resp.Data) != "VERSION "+wantVersion {
			continue
		}
		key := dgram.Source.String()
		if _, ok := found[key]; ok {
			continue
		}
		p := c.Add(dgram.Source.IP)
		c.mu.Lock()
		p.SessionStart = ts
		c.mu.Unlock()
		found[key] = p
	}

	out := make([]*Peer, 0, len(found))
	for _, p := range found {
		out = append(out, p)
	}
	return out, nil
}

// Status queries and parses STATUS from addrs (or all known peers), per
// spec.md §6's fixed line order.
func (c *Coordinator) Status(addrs []net.IP) (map[string]StatusRecord, []net.IP, error) {
	responses, unresponsive, err := c.call(addrs, "STATUS", nil)
	if err != nil {
		return nil, unresponsive, err
	}
	out := make(map[string]StatusRecord, len(responses))
	for ipStr, resp := range responses {
		if resp.Status != wire.StatusOK {
			continue
		}
		rec, err := parseStatus(resp.Data)
		if err != nil {
			c.logger.WithError(err).WithField("peer", ipStr).Warn("malformed status response")
			continue
		}
		out[ipStr] = rec
	}
	return out, unresponsive, nil
}

func parseStatus(data []byte) (StatusRecord, error) {
	lines := splitLines(string(data))
	rec := StatusRecord{Settings: camera.Default()}
	for _, line := range lines {
		fields := fieldsOf(line)
		if len(fields) == 0 {
			continue
		}
		if err := applyStatusLine(&rec, fields); err != nil {
			return StatusRecord{}, err
		}
	}
	return rec, nil
}

// Discrepancy describes one field that differs across a set of peer status
// records, per the aggregation rules in spec.md §4.3.
type Discrepancy struct {
	Field string
	Addrs []string
}

// Discrepancies compares status records pairwise and flags mismatched
// resolution, framerate, and mode fields, plus any peer whose timestamp
// deviates from the minimum observed by more than timeDelta.
func Discrepancies(records map[string]StatusRecord, timeDelta time.Duration) []Discrepancy {
	if len(records) < 2 {
		return nil
	}
	var discrepancies []Discrepancy
	check := func(field string, value func(StatusRecord) string) {
		groups := map[string][]string{}
		for addr, rec := range records {
			v := value(rec)
			groups[v] = append(groups[v], addr)
		}
		if len(groups) > 1 {
			var addrs []string
			for _, g := range groups {
				addrs = append(addrs, g...)
			}
			discrepancies = append(discrepancies, Discrepancy{Field: field, Addrs: addrs})
		}
	}
	check("resolution", func(r StatusRecord) string { return fmt.Sprintf("%dx%d", r.Settings.Width, r.Settings.Height) })
	check("framerate", func(r StatusRecord) string {
		return wire.FormatFraction(r.Settings.FramerateNum, r.Settings.FramerateDenom)
	})
	check("awb_mode", func(r StatusRecord) string { return r.Settings.AWBMode })
	check("exposure_mode", func(r StatusRecord) string { return r.Settings.ExposureMode })
	check("metering_mode", func(r StatusRecord) string { return r.Settings.MeteringMode })

	var min time.Time
	for _, rec := range records {
		if min.IsZero() || rec.Timestamp.Before(min) {
			min = rec.Timestamp
		}
	}
	var skewed []string
	for addr, rec := range records {
		if rec.Timestamp.Sub(min) > timeDelta {
			skewed = append(skewed, addr)
		}
	}
	if len(skewed) > 0 {
		discrepancies = append(discrepancies, Discrepancy{Field: "timestamp", Addrs: skewed})
	}
	return discrepancies
}

func (c *Coordinator) Resolution(addrs []net.IP, w, h int) ([]net.IP, error) {
	return c.simpleCall(addrs, "RESOLUTION", []string{itoa(w), itoa(h)})
}

func (c *Coordinator) Framerate(addrs []net.IP, num, denom int) ([]net.IP, error) {
	return c.simpleCall(addrs, "FRAMERATE", []string{wire.FormatFraction(num, denom)})
}

func (c *Coordinator) AWB(addrs []net.IP, mode string, gains ...float64) ([]net.IP, error) {
	args := []string{mode}
	if len(gains) == 2 {
		args = append(args, ftoa(gains[0]), ftoa(gains[1]))
	}
	return c.simpleCall(addrs, "AWB", args)
}

func (c *Coordinator) Exposure(addrs []net.IP, mode string, speedMs ...int) ([]net.IP, error) {
	args := []string{mode}
	if len(speedMs) == 1 {
		args = append(args, itoa(speedMs[0]))
	}
	return c.simpleCall(addrs, "EXPOSURE", args)
}

func (c *Coordinator) ISO(addrs []net.IP, iso int) ([]net.IP, error) {
	return c.simpleCall(addrs, "ISO", []string{itoa(iso)})
}

func (c *Coordinator) Metering(addrs []net.IP, mode string) ([]net.IP, error) {
	return c.simpleCall(addrs, "METERING", []string{mode})
}

func (c *Coordinator) Levels(addrs []net.IP, brightness, contrast, saturation, compensation int) ([]net.IP, error) {
	return c.simpleCall(addrs, "LEVELS", []string{itoa(brightness), itoa(contrast), itoa(saturation), itoa(compensation)})
}

func (c *Coordinator) Flip(addrs []net.IP, h, v bool) ([]net.IP, error) {
	return c.simpleCall(addrs, "FLIP", []string{btoa(h), btoa(v)})
}

func (c *Coordinator) AGC(addrs []net.IP, mode string) ([]net.IP, error) {
	return c.simpleCall(addrs, "AGC", []string{mode})
}

func (c *Coordinator) Denoise(addrs []net.IP, enabled bool) ([]net.IP, error) {
	return c.simpleCall(addrs, "DENOISE", []string{btoa(enabled)})
}

func (c *Coordinator) Quality(addrs []net.IP, quality int) ([]net.IP, error) {
	return c.simpleCall(addrs, "QUALITY", []string{itoa(quality)})
}

func (c *Coordinator) Blink(addrs []net.IP) ([]net.IP, error) {
	return c.simpleCall(addrs, "BLINK", nil)
}

// Capture triggers a capture. When at is non-nil it is sent as the sync
// argument (an absolute future timestamp), letting a broadcast Capture
// across peers produce near-simultaneous images per spec.md §4.4/§4.5.
func (c *Coordinator) Capture(addrs []net.IP, count int, useVideoPort bool, at *time.Time) ([]net.IP, error) {
	args := []string{itoa(count), btoa01(useVideoPort)}
	if at != nil {
		args = append(args, wire.FormatTimestamp(*at))
	}
	return c.simpleCall(addrs, "CAPTURE", args)
}

// ImageInfo is one line of a LIST response.
type ImageInfo struct {
	Index     int
	Timestamp time.Time
	Size      int
}

func (c *Coordinator) List(addrs []net.IP) (map[string][]ImageInfo, []net.IP, error) {
	responses, unresponsive, err := c.call(addrs, "LIST", nil)
	if err != nil {
		return nil, unresponsive, err
	}
	out := make(map[string][]ImageInfo, len(responses))
	for ipStr, resp := range responses {
		if resp.Status != wire.StatusOK {
			continue
		}
		var infos []ImageInfo
		for _, line := range splitLines(string(resp.Data)) {
			fields := fieldsOf(line)
			if len(fields) != 4 || fields[0] != "IMAGE" {
				continue
			}
			idx, err1 := atoi(fields[1])
			ts, err2 := wire.ParseTimestamp(fields[2])
			size, err3 := atoi(fields[3])
			if err1 != nil || err2 != nil || err3 != nil {
				continue
			}
			infos = append(infos, ImageInfo{Index: idx, Timestamp: ts, Size: size})
		}
		out[ipStr] = infos
	}
	return out, unresponsive, nil
}

func (c *Coordinator) Clear(addrs []net.IP) ([]net.IP, error) {
	return c.simpleCall(addrs, "CLEAR", nil)
}
