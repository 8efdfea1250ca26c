// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nftables

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// PayloadBase is the header a payload offset is relative to
// (enum nft_payload_bases).
type PayloadBase int

const (
	// LinkLayerHeader is the start of the packet as given.
	LinkLayerHeader PayloadBase = iota

	// NetworkHeader is the start of the network header.
	NetworkHeader

	// TransportHeader is the start of the transport header.
	TransportHeader

	// NumPayloadBases is the number of payload bases.
	NumPayloadBases
)

// payloadBaseStrings maps payload bases to the names used in rule dumps.
var payloadBaseStrings = map[PayloadBase]string{
	LinkLayerHeader: "link",
	NetworkHeader:   "network",
	TransportHeader: "transport",
}

// String for PayloadBase returns the name of the base.
func (b PayloadBase) String() string {
	if s, ok := payloadBaseStrings[b]; ok {
		return s
	}
	return "unknown"
}

// PacketInfo is the packet being evaluated together with its metadata. The
// engine never modifies the packet bytes.
type PacketInfo struct {
	// Payload holds the packet starting at the link layer header, or at the
	// network header when there is none.
	Payload []byte

	// Family is the address family of the network header.
	Family AddressFamily

	// NetworkOffset is the offset of the network header in Payload.
	NetworkOffset int

	// TransportOffset is the offset of the transport header in Payload, or
	// negative if unknown.
	TransportOffset int

	// L4Proto is the transport protocol number.
	L4Proto uint8

	// InIf and OutIf are the input and output interface indexes, zero if
	// unknown.
	InIf  uint32
	OutIf uint32

	// Mark is the packet mark.
	Mark uint32
}

// NewIPv4PacketInfo returns the packet info of an IPv4 packet starting at its
// network header.
func NewIPv4PacketInfo(b []byte) (*PacketInfo, error) {
	if len(b) < header.IPv4MinimumSize {
		return nil, newError(CodeInvalidLength, "IPv4 packet of %d bytes is shorter than its minimum header", len(b))
	}
	ip := header.IPv4(b)
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize || hlen > len(b) {
		return nil, newError(CodeInvalidLength, "IPv4 header length %d invalid for packet of %d bytes", hlen, len(b))
	}
	return &PacketInfo{
		Payload:         b,
		Family:          IP,
		TransportOffset: hlen,
		L4Proto:         ip.Protocol(),
	}, nil
}

// NewIPv6PacketInfo returns the packet info of an IPv6 packet starting at its
// network header. Extension headers are not walked.
func NewIPv6PacketInfo(b []byte) (*PacketInfo, error) {
	if len(b) < header.IPv6MinimumSize {
		return nil, newError(CodeInvalidLength, "IPv6 packet of %d bytes is shorter than its header", len(b))
	}
	return &PacketInfo{
		Payload:         b,
		Family:          IP6,
		TransportOffset: header.IPv6MinimumSize,
		L4Proto:         header.IPv6(b).NextHeader(),
	}, nil
}

// headerOffset returns the offset of the given base in the payload.
func (p *PacketInfo) headerOffset(base PayloadBase) (int, bool) {
	switch base {
	case LinkLayerHeader:
		return 0, true
	case NetworkHeader:
		return p.NetworkOffset, true
	case TransportHeader:
		return p.TransportOffset, p.TransportOffset >= 0
	}
	return 0, false
}

// load returns n bytes at offset off relative to base.
func (p *PacketInfo) load(base PayloadBase, off, n int) ([]byte, bool) {
	start, ok := p.headerOffset(base)
	if !ok {
		return nil, false
	}
	start += off
	if start < 0 || start+n > len(p.Payload) {
		return nil, false
	}
	return p.Payload[start : start+n], true
}
