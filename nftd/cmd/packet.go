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

package cmd

import (
	"flag"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"github.com/vishvananda/netlink"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// packetSpec describes a synthetic packet to evaluate and the hook it
// traverses. It is filled from command line flags or from the body of an
// evaluate request.
type packetSpec struct {
	Family string `json:"family"`
	Hook   string `json:"hook"`
	Proto  string `json:"proto"`
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Sport  uint   `json:"sport"`
	Dport  uint   `json:"dport"`
	InIf   string `json:"iif"`
	OutIf  string `json:"oif"`
	Mark   uint   `json:"mark"`
}

// setFlags registers the packet flags on f.
func (p *packetSpec) setFlags(f *flag.FlagSet) {
	f.StringVar(&p.Family, "family", "", "address family of the packet, ip or ip6. Defaults to the configured default family.")
	f.StringVar(&p.Hook, "hook", "input", "hook the packet traverses.")
	f.StringVar(&p.Proto, "proto", "tcp", "transport protocol: tcp, udp or icmp.")
	f.StringVar(&p.Src, "src", "", "source address.")
	f.StringVar(&p.Dst, "dst", "", "destination address.")
	f.UintVar(&p.Sport, "sport", 40000, "source port.")
	f.UintVar(&p.Dport, "dport", 80, "destination port.")
	f.StringVar(&p.InIf, "iif", "", "input interface name or index.")
	f.StringVar(&p.OutIf, "oif", "", "output interface name or index.")
	f.UintVar(&p.Mark, "mark", 0, "packet mark.")
}

// Default addresses, from the documentation ranges.
var (
	defaultSrc = map[nftables.AddressFamily]netip.Addr{
		nftables.IP:  netip.MustParseAddr("192.0.2.1"),
		nftables.IP6: netip.MustParseAddr("2001:db8::1"),
	}
	defaultDst = map[nftables.AddressFamily]netip.Addr{
		nftables.IP:  netip.MustParseAddr("198.51.100.1"),
		nftables.IP6: netip.MustParseAddr("2001:db8::2"),
	}
)

// build returns the packet described by p together with the family and hook
// to evaluate it at. def is the family used when p does not name one.
func (p *packetSpec) build(def nftables.AddressFamily) (nftables.AddressFamily, nftables.Hook, *nftables.PacketInfo, error) {
	family := def
	if p.Family != "" {
		var err error
		if family, err = nftables.ParseAddressFamily(p.Family); err != nil {
			return 0, 0, nil, err
		}
	}
	if family != nftables.IP && family != nftables.IP6 {
		return 0, 0, nil, fmt.Errorf("cannot build %s packets, only ip and ip6", family)
	}
	hook, err := nftables.ParseHook(p.Hook)
	if err != nil {
		return 0, 0, nil, err
	}
	src, err := parseAddr(family, p.Src, defaultSrc[family])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("source: %w", err)
	}
	dst, err := parseAddr(family, p.Dst, defaultDst[family])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("destination: %w", err)
	}
	if p.Sport > 0xffff || p.Dport > 0xffff {
		return 0, 0, nil, fmt.Errorf("ports %d and %d must fit in 16 bits", p.Sport, p.Dport)
	}
	if p.Mark > 0xffffffff {
		return 0, 0, nil, fmt.Errorf("mark %d must fit in 32 bits", p.Mark)
	}

	proto, transport, err := p.transportHeader(family)
	if err != nil {
		return 0, 0, nil, err
	}

	var pkt *nftables.PacketInfo
	if family == nftables.IP {
		b := make([]byte, header.IPv4MinimumSize+len(transport))
		header.IPv4(b).Encode(&header.IPv4Fields{
			TotalLength: uint16(len(b)),
			TTL:         64,
			Protocol:    uint8(proto),
			SrcAddr:     tcpip.AddrFrom4(src.As4()),
			DstAddr:     tcpip.AddrFrom4(dst.As4()),
		})
		copy(b[header.IPv4MinimumSize:], transport)
		pkt, err = nftables.NewIPv4PacketInfo(b)
	} else {
		b := make([]byte, header.IPv6MinimumSize+len(transport))
		header.IPv6(b).Encode(&header.IPv6Fields{
			PayloadLength:     uint16(len(transport)),
			TransportProtocol: proto,
			HopLimit:          64,
			SrcAddr:           tcpip.AddrFrom16(src.As16()),
			DstAddr:           tcpip.AddrFrom16(dst.As16()),
		})
		copy(b[header.IPv6MinimumSize:], transport)
		pkt, err = nftables.NewIPv6PacketInfo(b)
	}
	if err != nil {
		return 0, 0, nil, err
	}
	if pkt.InIf, err = linkIndex(p.InIf); err != nil {
		return 0, 0, nil, err
	}
	if pkt.OutIf, err = linkIndex(p.OutIf); err != nil {
		return 0, 0, nil, err
	}
	pkt.Mark = uint32(p.Mark)
	return family, hook, pkt, nil
}

// transportHeader returns the protocol number and the encoded transport
// header of the packet.
func (p *packetSpec) transportHeader(family nftables.AddressFamily) (tcpip.TransportProtocolNumber, []byte, error) {
	switch p.Proto {
	case "tcp":
		b := make([]byte, header.TCPMinimumSize)
		header.TCP(b).Encode(&header.TCPFields{
			SrcPort:    uint16(p.Sport),
			DstPort:    uint16(p.Dport),
			DataOffset: header.TCPMinimumSize,
			Flags:      header.TCPFlagSyn,
			WindowSize: 65535,
		})
		return header.TCPProtocolNumber, b, nil
	case "udp":
		b := make([]byte, header.UDPMinimumSize)
		header.UDP(b).Encode(&header.UDPFields{
			SrcPort: uint16(p.Sport),
			DstPort: uint16(p.Dport),
			Length:  header.UDPMinimumSize,
		})
		return header.UDPProtocolNumber, b, nil
	case "icmp":
		if family == nftables.IP6 {
			b := make([]byte, header.ICMPv6MinimumSize)
			header.ICMPv6(b).SetType(header.ICMPv6EchoRequest)
			return header.ICMPv6ProtocolNumber, b, nil
		}
		b := make([]byte, header.ICMPv4MinimumSize)
		header.ICMPv4(b).SetType(header.ICMPv4Echo)
		return header.ICMPv4ProtocolNumber, b, nil
	default:
		return 0, nil, fmt.Errorf("unknown protocol %q, must be tcp, udp or icmp", p.Proto)
	}
}

// parseAddr parses an address of the given family, returning def for an
// empty string.
func parseAddr(family nftables.AddressFamily, s string, def netip.Addr) (netip.Addr, error) {
	if s == "" {
		return def, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if a.Is4() != (family == nftables.IP) {
		return netip.Addr{}, fmt.Errorf("address %s is not an %s address", a, family)
	}
	return a, nil
}

// linkIndex resolves an interface name or index. Empty means unknown.
func linkIndex(name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	if idx, err := strconv.ParseUint(name, 10, 32); err == nil {
		return uint32(idx), nil
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return uint32(link.Attrs().Index), nil
}
