// Package extract turns raw frames into packet records.
package extract

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/nomoresecretz/pktscope/common/record"
)

const (
	// DefaultSelfPort is the control channel port whose TCP traffic is never recorded.
	DefaultSelfPort = 5173
	previewBytes    = 100
	unknownSummary  = "Unknown/Unsupported packet type"
)

var now = func() time.Time {
	return time.Now()
}

// Extractor builds records from frames. The zero SelfPort disables the
// self-traffic filter.
type Extractor struct {
	SelfPort uint16
}

func New(selfPort uint16) *Extractor {
	return &Extractor{SelfPort: selfPort}
}

// Extract decodes one frame. It returns false when the frame is self traffic
// and must be dropped. Field failures never escape; the affected field is
// left unset.
func (e *Extractor) Extract(data []byte, dec gopacket.Decoder, ci gopacket.CaptureInfo) (record.Record, bool) {
	at := ci.Timestamp
	if at.IsZero() {
		at = now()
	}

	rec := record.New(at.Local())
	rec.Size = frameSize(data)
	rec.FrameHex = frameHex(data)

	p, ok := decode(data, dec)
	if !ok {
		rec.Summary = unknownSummary

		return rec, true
	}

	switch {
	case p.Layer(layers.LayerTypeIPv4) != nil:
		return e.ipv4(rec, p)
	case p.Layer(layers.LayerTypeIPv6) != nil:
		ip, _ := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		rec.Protocol = record.ProtoIPv6
		rec.SrcIP = addr(ip.SrcIP)
		rec.DstIP = addr(ip.DstIP)
		rec.Summary = fmt.Sprintf("IPv6 %s -> %s", deref(rec.SrcIP), deref(rec.DstIP))
	case p.Layer(layers.LayerTypeARP) != nil:
		arp, _ := p.Layer(layers.LayerTypeARP).(*layers.ARP)
		rec.Protocol = record.ProtoARP
		rec.SrcIP = addr(arp.SourceProtAddress)
		rec.DstIP = addr(arp.DstProtAddress)
		rec.Summary = fmt.Sprintf("ARP %s -> %s", deref(rec.SrcIP), deref(rec.DstIP))
	default:
		rec.Summary = describe(p)
	}

	return rec, true
}

func (e *Extractor) ipv4(rec record.Record, p gopacket.Packet) (record.Record, bool) {
	ip, _ := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	rec.SrcIP = addr(ip.SrcIP)
	rec.DstIP = addr(ip.DstIP)
	rec.Protocol = strconv.Itoa(int(ip.Protocol))
	src, dst := deref(rec.SrcIP), deref(rec.DstIP)

	if l := p.Layer(layers.LayerTypeTCP); l != nil {
		tcp, _ := l.(*layers.TCP)
		if e.isSelf(tcp) {
			return record.Record{}, false
		}

		flags := tcpFlags(tcp)
		rec.Protocol = record.ProtoTCP
		rec.SrcPort = port(int(tcp.SrcPort))
		rec.DstPort = port(int(tcp.DstPort))
		rec.Flags = &flags
		rec.PayloadPreview, rec.RawPayloadHex = payload(tcp.Payload)
		rec.Summary = fmt.Sprintf("TCP %s:%d -> %s:%d [%s]", src, tcp.SrcPort, dst, tcp.DstPort, flags)

		return rec, true
	}

	if l := p.Layer(layers.LayerTypeUDP); l != nil {
		udp, _ := l.(*layers.UDP)
		rec.Protocol = record.ProtoUDP
		rec.SrcPort = port(int(udp.SrcPort))
		rec.DstPort = port(int(udp.DstPort))
		rec.PayloadPreview, rec.RawPayloadHex = payload(udp.Payload)
		rec.Summary = fmt.Sprintf("UDP %s:%d -> %s:%d", src, udp.SrcPort, dst, udp.DstPort)

		return rec, true
	}

	if l := p.Layer(layers.LayerTypeICMPv4); l != nil {
		icmp, _ := l.(*layers.ICMPv4)
		rec.Protocol = record.ProtoICMP
		rec.Summary = fmt.Sprintf("ICMP %s -> %s type=%d", src, dst, icmp.TypeCode.Type())

		return rec, true
	}

	rec.Summary = fmt.Sprintf("IP %s -> %s proto=%s", src, dst, rec.Protocol)

	return rec, true
}

// isSelf only considers TCP; UDP on the same port is kept.
func (e *Extractor) isSelf(tcp *layers.TCP) bool {
	if e.SelfPort == 0 {
		return false
	}

	sp := layers.TCPPort(e.SelfPort)

	return tcp.SrcPort == sp || tcp.DstPort == sp
}

func decode(data []byte, dec gopacket.Decoder) (p gopacket.Packet, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("frame decode panic", "error", r)

			p, ok = nil, false
		}
	}()

	if dec == nil || len(data) == 0 {
		return nil, false
	}

	return gopacket.NewPacket(data, dec, gopacket.Default), true
}

func frameSize(data []byte) int {
	return len(data)
}

func frameHex(data []byte) (h string) {
	defer func() {
		if recover() != nil {
			h = ""
		}
	}()

	return hex.EncodeToString(data)
}

// payload returns the preview and full hex dump, both nil for an empty payload.
func payload(b []byte) (preview, full *string) {
	if len(b) == 0 {
		return nil, nil
	}

	pv := hex.EncodeToString(b[:min(len(b), previewBytes)])
	fl := hex.EncodeToString(b)

	return &pv, &fl
}

// tcpFlags renders set flags in F S R P A U E C N order, so SYN+ACK is "SA".
func tcpFlags(t *layers.TCP) string {
	var b strings.Builder

	for _, f := range []struct {
		set bool
		c   byte
	}{
		{t.FIN, 'F'},
		{t.SYN, 'S'},
		{t.RST, 'R'},
		{t.PSH, 'P'},
		{t.ACK, 'A'},
		{t.URG, 'U'},
		{t.ECE, 'E'},
		{t.CWR, 'C'},
		{t.NS, 'N'},
	} {
		if f.set {
			b.WriteByte(f.c)
		}
	}

	return b.String()
}

// describe is a best effort one line description of an unclassified frame.
func describe(p gopacket.Packet) (s string) {
	defer func() {
		if recover() != nil {
			s = unknownSummary
		}
	}()

	var names []string

	for _, l := range p.Layers() {
		names = append(names, l.LayerType().String())
	}

	if len(names) == 0 {
		return unknownSummary
	}

	return "Unknown protocol: " + strings.Join(names, " / ")
}

func addr(b []byte) *string {
	if len(b) != 4 && len(b) != 16 {
		return nil
	}

	s := net.IP(b).String()

	return &s
}

func port(p int) *int {
	return &p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
