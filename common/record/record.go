// Package record holds the summarized form of a captured frame shared by the
// capture pipeline, the packet store and every query surface.
package record

import (
	"time"

	"github.com/google/uuid"
)

// Protocol tags assigned by the extractor. Any other IPv4 payload is tagged
// with its decimal IP protocol number.
const (
	ProtoTCP     = "TCP"
	ProtoUDP     = "UDP"
	ProtoICMP    = "ICMP"
	ProtoIPv6    = "IPv6"
	ProtoARP     = "ARP"
	ProtoUnknown = "Unknown"
)

// Record is a single accepted frame. Records are never modified once built.
type Record struct {
	ID             uuid.UUID `json:"id"`
	CapturedAt     time.Time `json:"captured_at"`
	Summary        string    `json:"summary"`
	Protocol       string    `json:"protocol"`
	SrcIP          *string   `json:"src_ip"`
	DstIP          *string   `json:"dst_ip"`
	SrcPort        *int      `json:"src_port"`
	DstPort        *int      `json:"dst_port"`
	Size           int       `json:"size"`
	Flags          *string   `json:"flags"`
	PayloadPreview *string   `json:"payload_preview"`
	RawPayloadHex  *string   `json:"raw_payload_hex"`
	FrameHex       string    `json:"frame_hex"`
}

// New returns an empty record with a fresh ID.
func New(at time.Time) Record {
	return Record{
		ID:         uuid.New(),
		CapturedAt: at,
		Protocol:   ProtoUnknown,
	}
}
