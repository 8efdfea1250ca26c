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
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Verdict codes, corresponding to NF_* in include/uapi/linux/netfilter.h and
// NFT_* in include/uapi/linux/netfilter/nf_tables.h.
const (
	VerdictDrop     int32 = 0
	VerdictAccept   int32 = 1
	VerdictStolen   int32 = 2
	VerdictQueue    int32 = 3
	VerdictRepeat   int32 = 4
	VerdictStop     int32 = 5
	VerdictContinue int32 = -1
	VerdictBreak    int32 = -2
	VerdictJump     int32 = -3
	VerdictGoto     int32 = -4
	VerdictReturn   int32 = -5
)

const (
	// verdictMask extracts the verdict from a code that carries a queue
	// number in its upper bits (NF_VERDICT_MASK).
	verdictMask = 0x000000ff

	// verdictQueueShift is the position of the queue number (NF_VERDICT_QBITS).
	verdictQueueShift = 16
)

// verdictCodeStrings maps verdict codes to their nft names.
var verdictCodeStrings = map[int32]string{
	VerdictDrop:     "drop",
	VerdictAccept:   "accept",
	VerdictStolen:   "stolen",
	VerdictQueue:    "queue",
	VerdictRepeat:   "repeat",
	VerdictStop:     "stop",
	VerdictContinue: "continue",
	VerdictBreak:    "break",
	VerdictJump:     "jump",
	VerdictGoto:     "goto",
	VerdictReturn:   "return",
}

// VerdictCodeString returns the nft name of the verdict code.
func VerdictCodeString(code int32) string {
	if code >= 0 {
		code &= verdictMask
	}
	if s, ok := verdictCodeStrings[code]; ok {
		return s
	}
	panic(fmt.Sprintf("invalid verdict code: %d", code))
}

// ChainID identifies a chain in the chain arena. IDs are never reused, so a
// stale ID resolves to no chain rather than to a different one. The zero ID is
// never assigned.
type ChainID uint64

// Verdict is the disposition held by the verdict register. Jump and goto
// verdicts name their target chain by ID.
type Verdict struct {
	Code  int32
	Chain ChainID
}

// QueueVerdict returns a queue verdict for the given queue number.
func QueueVerdict(num uint16) Verdict {
	return Verdict{Code: VerdictQueue | int32(num)<<verdictQueueShift}
}

// Kind returns the verdict code without the queue number.
func (v Verdict) Kind() int32 {
	if v.Code >= 0 {
		return v.Code & verdictMask
	}
	return v.Code
}

// QueueNum returns the queue number of a queue verdict.
func (v Verdict) QueueNum() uint16 {
	return uint16(uint32(v.Code) >> verdictQueueShift)
}

// IsTerminal returns whether the verdict ends evaluation of the packet.
func (v Verdict) IsTerminal() bool {
	return v.Code >= 0
}

// String for Verdict returns the nft representation of the verdict.
func (v Verdict) String() string {
	switch v.Kind() {
	case VerdictJump, VerdictGoto:
		return fmt.Sprintf("%s -> %d", VerdictCodeString(v.Code), v.Chain)
	case VerdictQueue:
		return fmt.Sprintf("queue %d", v.QueueNum())
	}
	return VerdictCodeString(v.Code)
}

// validateVerdictCode ensures the code is one the verdict register may be
// loaded with. From net/netfilter/nf_tables_api.c:nft_verdict_init.
func validateVerdictCode(code int32) error {
	switch code {
	case VerdictContinue, VerdictBreak, VerdictReturn, VerdictJump, VerdictGoto:
		return nil
	}
	if code < 0 {
		return newError(CodeInvalidArgument, "invalid verdict code %d", code)
	}
	switch code & verdictMask {
	case VerdictAccept, VerdictDrop, VerdictQueue, VerdictStolen, VerdictStop:
		return nil
	default:
		return newError(CodeInvalidArgument, "invalid verdict code %d", code)
	}
}

// DataType is the kind of data held by a register or a set element.
// Note: corresponds to enum nft_data_types.
type DataType int

const (
	// DataValue is an opaque byte string of up to RegisterSize bytes.
	DataValue DataType = iota

	// DataVerdict is a verdict, possibly naming a target chain.
	DataVerdict
)

// String for DataType returns the name of the data type.
func (t DataType) String() string {
	switch t {
	case DataValue:
		return "value"
	case DataVerdict:
		return "verdict"
	default:
		panic(fmt.Sprintf("invalid data type: %d", int(t)))
	}
}

const (
	// RegisterSize is the size in bytes of a register (NFT_REG_SIZE).
	RegisterSize = 16

	// verdictPayloadLen is the size of an encoded verdict code.
	verdictPayloadLen = 4

	// registerWord is the granularity of register accesses.
	registerWord = 4
)

// Data is the content of a register or set element: either a value of 1 to
// RegisterSize bytes or a verdict. Copies always move the whole structure;
// comparisons only look at the declared length.
type Data struct {
	raw     [RegisterSize]byte
	verdict Verdict
	kind    DataType
	len     uint8
}

// NewValueData returns value data holding a copy of b.
func NewValueData(b []byte) (Data, error) {
	if len(b) == 0 || len(b) > RegisterSize {
		return Data{}, newError(CodeInvalidLength, "value length %d not in [1, %d]", len(b), RegisterSize)
	}
	d := Data{kind: DataValue, len: uint8(len(b))}
	copy(d.raw[:], b)
	return d, nil
}

// NewVerdictData returns verdict data holding v.
func NewVerdictData(v Verdict) Data {
	return Data{kind: DataVerdict, len: verdictPayloadLen, verdict: v}
}

// ParseData validates an external payload of the given kind. Verdict payloads
// are a 4-byte big-endian code; jump and goto codes are rejected here because
// their target chain has to be resolved against a table.
func ParseData(kind DataType, payload []byte) (Data, error) {
	switch kind {
	case DataValue:
		return NewValueData(payload)
	case DataVerdict:
		if len(payload) != verdictPayloadLen {
			return Data{}, newError(CodeInvalidLength, "verdict payload must be %d bytes, got %d", verdictPayloadLen, len(payload))
		}
		code := int32(binary.BigEndian.Uint32(payload))
		if err := validateVerdictCode(code); err != nil {
			return Data{}, err
		}
		if code == VerdictJump || code == VerdictGoto {
			return Data{}, newError(CodeInvalidArgument, "%s verdict requires a target chain", VerdictCodeString(code))
		}
		return NewVerdictData(Verdict{Code: code}), nil
	default:
		return Data{}, newError(CodeInvalidKind, "unknown data kind %d", int(kind))
	}
}

// Kind returns the kind of the data.
func (d *Data) Kind() DataType {
	return d.kind
}

// Len returns the declared length of the data.
func (d *Data) Len() int {
	return int(d.len)
}

// Bytes returns the value bytes up to the declared length.
func (d *Data) Bytes() []byte {
	return d.raw[:d.len]
}

// Verdict returns the verdict held by verdict data.
func (d *Data) Verdict() Verdict {
	return d.verdict
}

// Equal returns whether both data have the same kind, length and content.
func (d *Data) Equal(other *Data) bool {
	if d.kind != other.kind {
		return false
	}
	if d.kind == DataVerdict {
		return d.verdict == other.verdict
	}
	return d.len == other.len && CompareData(d, other, int(d.len)) == 0
}

// String for Data returns the data in the format used by rule dumps.
func (d *Data) String() string {
	if d.kind == DataVerdict {
		return d.verdict.String()
	}
	return hexWords(d.Bytes())
}

// hexWords formats b as space separated 0x-prefixed words of up to 4 bytes.
func hexWords(b []byte) string {
	var sb strings.Builder
	for i := 0; i < len(b); i += registerWord {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString("0x")
		sb.WriteString(hex.EncodeToString(b[i:min(i+registerWord, len(b))]))
	}
	return sb.String()
}

// CopyData copies src into dst. The whole storage is moved regardless of the
// declared length.
func CopyData(dst, src *Data) {
	*dst = *src
}

// CompareData compares the first n bytes of a and b, returning -1, 0 or 1.
func CompareData(a, b *Data, n int) int {
	if n > RegisterSize {
		n = RegisterSize
	}
	return bytes.Compare(a.raw[:n], b.raw[:n])
}

// Register identifies a slot of the register file.
type Register uint8

const (
	// RegVerdict is the register holding the verdict (NFT_REG_VERDICT).
	RegVerdict Register = iota
	// Reg1 is the first data register (NFT_REG_1).
	Reg1
	// Reg2 is the second data register (NFT_REG_2).
	Reg2
	// Reg3 is the third data register (NFT_REG_3).
	Reg3
	// Reg4 is the fourth data register (NFT_REG_4).
	Reg4

	// MaxRegister is the highest register number.
	MaxRegister = Reg4
)

// RegisterDataType returns the kind of data the register must hold.
func RegisterDataType(reg Register) DataType {
	if reg == RegVerdict {
		return DataVerdict
	}
	return DataValue
}

// validateRegister ensures reg exists and can hold data of the given kind and
// length.
func validateRegister(reg Register, kind DataType, length int) error {
	if reg > MaxRegister {
		return newError(CodeRange, "register %d out of range", reg)
	}
	if RegisterDataType(reg) != kind {
		return newError(CodeTypeMismatch, "register %d cannot hold %s data", reg, kind)
	}
	if kind == DataValue && (length <= 0 || length > RegisterSize) {
		return newError(CodeInvalidLength, "register %d cannot hold %d bytes", reg, length)
	}
	return nil
}

// Registers is the register file used while evaluating one packet.
type Registers struct {
	regs [MaxRegister + 1]Data
}

// newRegisters returns a register file with the verdict set to continue.
func newRegisters() Registers {
	var r Registers
	r.regs[RegVerdict] = NewVerdictData(Verdict{Code: VerdictContinue})
	return r
}

// Verdict returns the content of the verdict register.
func (r *Registers) Verdict() Verdict {
	return r.regs[RegVerdict].verdict
}

// SetVerdict sets the verdict register.
func (r *Registers) SetVerdict(v Verdict) {
	r.regs[RegVerdict].verdict = v
}

// Break sets the verdict register to break, ending evaluation of the current
// rule.
func (r *Registers) Break() {
	r.regs[RegVerdict].verdict = Verdict{Code: VerdictBreak}
}

// Load returns the data held by reg.
func (r *Registers) Load(reg Register) *Data {
	return &r.regs[reg]
}

// Store copies d into reg.
func (r *Registers) Store(reg Register, d *Data) {
	CopyData(&r.regs[reg], d)
}

// StoreBytes stores b as value data in reg, zeroing the rest of the register.
func (r *Registers) StoreBytes(reg Register, b []byte) {
	d := &r.regs[reg]
	d.kind = DataValue
	d.len = uint8(copy(d.raw[:], b))
	clear(d.raw[d.len:])
}

// String for Registers returns the content of all registers.
func (r *Registers) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "verdict: %s", r.Verdict())
	for reg := Reg1; reg <= MaxRegister; reg++ {
		if d := &r.regs[reg]; d.len > 0 {
			fmt.Fprintf(&sb, ", reg %d: %s", reg, d)
		}
	}
	return sb.String()
}
