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
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// MetaKey is the key that determines the specific meta data to retrieve.
// Note: corresponds to enum nft_meta_keys from
// include/uapi/linux/netfilter/nf_tables.h and uses the same values.
type MetaKey int

// Supported meta keys.
const (
	MetaLen      MetaKey = 0
	MetaProtocol MetaKey = 1
	MetaMark     MetaKey = 3
	MetaIif      MetaKey = 4
	MetaOif      MetaKey = 5
	MetaNfproto  MetaKey = 15
	MetaL4proto  MetaKey = 16
	MetaTimeNS   MetaKey = 30
)

// metaKeyStrings is a map of meta key to the name used in rule dumps.
var metaKeyStrings = map[MetaKey]string{
	MetaLen:      "len",
	MetaProtocol: "protocol",
	MetaMark:     "mark",
	MetaIif:      "iif",
	MetaOif:      "oif",
	MetaNfproto:  "nfproto",
	MetaL4proto:  "l4proto",
	MetaTimeNS:   "time",
}

// String for MetaKey returns the name of the meta key.
func (key MetaKey) String() string {
	if keyStr, ok := metaKeyStrings[key]; ok {
		return keyStr
	}
	panic(fmt.Sprintf("invalid meta key: %d", int(key)))
}

// ParseMetaKey returns the meta key with the given name.
func ParseMetaKey(s string) (MetaKey, error) {
	for key, name := range metaKeyStrings {
		if name == s {
			return key, nil
		}
	}
	return 0, newError(CodeNotSupported, "meta key %q is not supported", s)
}

// metaDataLengths holds the length in bytes for each supported meta key.
var metaDataLengths = map[MetaKey]int{
	MetaLen:      4,
	MetaProtocol: 2,
	MetaMark:     4,
	MetaIif:      4,
	MetaOif:      4,
	MetaNfproto:  1,
	MetaL4proto:  1,
	MetaTimeNS:   8,
}

// MetaParams are the parameters of a meta expression.
type MetaParams struct {
	Key  MetaKey
	Dreg Register
}

// metaLoad is an expression that loads packet metadata into a register.
// Integers wider than a byte are stored in host byte order, except the
// protocol, which is stored in network byte order.
type metaLoad struct {
	key   MetaKey
	dreg  Register
	clock func() time.Time
}

var metaType = &ExprType{
	Name: "meta",
	Size: int(unsafe.Sizeof(metaLoad{})),
	Init: initMetaLoad,
}

func init() {
	mustRegisterExprType(metaType)
}

// initMetaLoad creates a meta expression.
func initMetaLoad(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[MetaParams]("meta", params)
	if err != nil {
		return nil, err
	}
	blen, ok := metaDataLengths[p.Key]
	if !ok {
		return nil, newError(CodeNotSupported, "meta key %d is not supported", int(p.Key))
	}
	if err := validateRegister(p.Dreg, DataValue, blen); err != nil {
		return nil, err
	}
	return &metaLoad{key: p.Key, dreg: p.Dreg, clock: ctx.nf.clock}, nil
}

// Type implements Expr.Type.
func (op *metaLoad) Type() *ExprType {
	return metaType
}

// Evaluate for metaLoad loads the meta data into the destination register.
func (op *metaLoad) Evaluate(regs *Registers, pkt *PacketInfo) {
	var buf [8]byte
	var b []byte
	switch op.key {
	case MetaLen:
		b = binary.NativeEndian.AppendUint32(buf[:0], uint32(len(pkt.Payload)-pkt.NetworkOffset))
	case MetaProtocol:
		var proto uint16
		switch pkt.Family {
		case IP:
			proto = uint16(header.IPv4ProtocolNumber)
		case IP6:
			proto = uint16(header.IPv6ProtocolNumber)
		}
		b = binary.BigEndian.AppendUint16(buf[:0], proto)
	case MetaMark:
		b = binary.NativeEndian.AppendUint32(buf[:0], pkt.Mark)
	case MetaIif:
		b = binary.NativeEndian.AppendUint32(buf[:0], pkt.InIf)
	case MetaOif:
		b = binary.NativeEndian.AppendUint32(buf[:0], pkt.OutIf)
	case MetaNfproto:
		b = append(buf[:0], AfProtocol(pkt.Family))
	case MetaL4proto:
		b = append(buf[:0], pkt.L4Proto)
	case MetaTimeNS:
		b = binary.NativeEndian.AppendUint64(buf[:0], uint64(op.clock().UnixNano()))
	default:
		regs.Break()
		return
	}
	regs.StoreBytes(op.dreg, b)
}

// Dump implements Expr.Dump.
func (op *metaLoad) Dump() ([]byte, error) {
	return fmt.Appendf(nil, "meta load %s => reg %d", op.key, op.dreg), nil
}
