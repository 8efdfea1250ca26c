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

// Package nftables implements a concurrent nftables-style packet
// classification engine. Packets are evaluated against tables of chains, each
// an ordered list of rules built from expressions, and the engine produces a
// verdict for every packet.
//
// Evaluation is lock-free: any number of goroutines may call EvaluateHook at
// the same time while administrative updates (Add.., Delete.., etc) are
// serialized by a single lock. Updates are published by swapping immutable
// snapshots, and objects removed by an update are released only after a grace
// period has elapsed for all evaluations that started before the removal.
//
// Rules are made of expressions looked up by name in a registry (see
// RegisterExprType), and sets are backed by implementations looked up by
// feature in a second registry (see RegisterSetBackend). Rules can be built
// from ExprSpec values directly or from the textual form printed by
// `nft --debug=netlink` (see InterpretRule).
//
// Finally, note that error checking for parameters/inputs is only guaranteed
// for public functions. Most private functions are assumed to have
// valid/prechecked inputs.
package nftables

import (
	"fmt"
	"slices"

	"golang.org/x/sys/unix"
)

// Defines general constants for the nftables engine.
const (
	// Maximum number of nested jumps allowed, corresponding to
	// NFT_JUMP_STACK_SIZE in include/net/netfilter/nf_tables.h.
	nestedJumpLimit = 16

	// Maximum number of expressions in a rule (NFT_RULE_MAXEXPRS).
	maxRuleExprs = 128

	// Rule handles are 48 bits wide.
	ruleHandleMask = 1<<48 - 1

	// Defines the default capacity for the slices of hook functions and rules.
	defaultBaseChainCapacity = 8
	defaultRuleCapacity      = 8
)

// AddressFamily describes the address families supported by nftables.
// The address family determines the type of packets processed, and each family
// contains hooks at specific stages of the packet processing pipeline.
type AddressFamily int

const (
	// IP     represents IPv4 Family.
	IP AddressFamily = iota

	// IP6    represents IPv6 Family.
	IP6

	// Inet   represents Internet Family for hybrid IPv4/IPv6 rules.
	Inet

	// Arp    represents ARP Family for IPv4 ARP packets.
	Arp

	// Bridge represents Bridge Family for Ethernet packets across bridge devices.
	Bridge

	// Netdev represents Netdev Family for packets on ingress and egress.
	Netdev

	// NumAFs is the number of address families supported by nftables.
	NumAFs
)

// addressFamilyStrings maps address families to their nft keyword.
var addressFamilyStrings = map[AddressFamily]string{
	IP:     "ip",
	IP6:    "ip6",
	Inet:   "inet",
	Arp:    "arp",
	Bridge: "bridge",
	Netdev: "netdev",
}

// String for AddressFamily returns the nft keyword of the address family.
func (f AddressFamily) String() string {
	if s, ok := addressFamilyStrings[f]; ok {
		return s
	}
	panic(fmt.Sprintf("invalid address family: %d", int(f)))
}

// ParseAddressFamily returns the address family for an nft keyword.
func ParseAddressFamily(s string) (AddressFamily, error) {
	for f, name := range addressFamilyStrings {
		if name == s {
			return f, nil
		}
	}
	return 0, newError(CodeInvalidArgument, "unknown address family %q", s)
}

// addressFamilyProtocols maps address families to their protocol number.
var addressFamilyProtocols = map[AddressFamily]uint8{
	IP:     unix.NFPROTO_IPV4,
	IP6:    unix.NFPROTO_IPV6,
	Inet:   unix.NFPROTO_INET,
	Arp:    unix.NFPROTO_ARP,
	Bridge: unix.NFPROTO_BRIDGE,
	Netdev: unix.NFPROTO_NETDEV,
}

// AfProtocol returns the protocol number for the address family.
func AfProtocol(f AddressFamily) uint8 {
	if protocol, ok := addressFamilyProtocols[f]; ok {
		return protocol
	}
	panic(fmt.Sprintf("invalid address family: %d", int(f)))
}

// ProtocolAf returns the address family for a protocol number.
func ProtocolAf(protocol uint8) (AddressFamily, error) {
	for f, p := range addressFamilyProtocols {
		if p == protocol {
			return f, nil
		}
	}
	return 0, newError(CodeNotSupported, "unsupported protocol family %d", protocol)
}

// validateAddressFamily ensures the family address is valid (within bounds).
func validateAddressFamily(family AddressFamily) error {
	// From net/netfilter/nf_tables_api.c:nf_tables_newtable
	if family < 0 || family >= NumAFs {
		return newError(CodeNotSupported, "invalid address family: %d", int(family))
	}
	return nil
}

// Hook describes specific points in the pipeline where chains can be attached.
// Each address family has its own set of hooks (defined in supportedHooks).
// For IPv4/IPv6/Inet and Bridge, there are two possible pipelines:
// 1. Prerouting -> Input -> ~Local Process~ -> Output -> Postrouting
// 2. Prerouting -> Forward -> Postrouting
type Hook int

const (
	// Prerouting Hook    is supported by IPv4/IPv6/Inet, Bridge Families.
	Prerouting Hook = iota

	// Input Hook         is supported by IPv4/IPv6/Inet, Bridge, ARP Families.
	Input

	// Forward Hook       is supported by IPv4/IPv6/Inet, Bridge Families.
	Forward

	// Output Hook        is supported by IPv4/IPv6/Inet, Bridge, ARP Families.
	Output

	// Postrouting Hook   is supported by IPv4/IPv6/Inet, Bridge Families.
	Postrouting

	// Ingress Hook       is supported by IPv4/IPv6/Inet, Bridge, Netdev Families.
	Ingress

	// Egress Hook        is supported by Netdev Family only.
	Egress

	// NumHooks is the number of hooks supported by nftables.
	NumHooks
)

// hookStrings maps hooks to their nft keyword.
var hookStrings = map[Hook]string{
	Prerouting:  "prerouting",
	Input:       "input",
	Forward:     "forward",
	Output:      "output",
	Postrouting: "postrouting",
	Ingress:     "ingress",
	Egress:      "egress",
}

// String for Hook returns the nft keyword of the hook.
func (h Hook) String() string {
	if s, ok := hookStrings[h]; ok {
		return s
	}
	panic(fmt.Sprintf("invalid hook: %d", int(h)))
}

// ParseHook returns the hook for an nft keyword.
func ParseHook(s string) (Hook, error) {
	for h, name := range hookStrings {
		if name == s {
			return h, nil
		}
	}
	return 0, newError(CodeInvalidArgument, "unknown hook %q", s)
}

// supportedHooks maps each address family to its supported hooks.
var supportedHooks [NumAFs][]Hook = [NumAFs][]Hook{
	IP:     {Prerouting, Input, Forward, Output, Postrouting, Ingress},
	IP6:    {Prerouting, Input, Forward, Output, Postrouting, Ingress},
	Inet:   {Prerouting, Input, Forward, Output, Postrouting, Ingress},
	Arp:    {Input, Output},
	Bridge: {Prerouting, Input, Forward, Output, Postrouting, Ingress},
	Netdev: {Ingress, Egress},
}

// validateHook ensures the hook is within bounds and supported for the given
// address family.
func validateHook(hook Hook, family AddressFamily) error {
	if hook < 0 || hook >= NumHooks {
		return newError(CodeInvalidArgument, "invalid hook: %d", int(hook))
	}
	if slices.Contains(supportedHooks[family], hook) {
		return nil
	}
	return newError(CodeNotSupported, "hook %s is not supported for address family %s", hook, family)
}

// Linux hook numbers that x/sys/unix does not name. From
// include/uapi/linux/netfilter.h, netfilter_arp.h and netfilter_bridge.h.
const (
	linuxInetIngress   = 5
	linuxArpIn         = 0
	linuxArpOut        = 1
	linuxNetdevIngress = 0
	linuxNetdevEgress  = 1
)

// FamilyHookKey is a struct that represents an AddressFamily and linux hook
// pair.
type FamilyHookKey struct {
	Family AddressFamily
	Hook   uint32
}

// linuxHookToHook maps the linux hook constants to hooks.
var linuxHookToHook = map[FamilyHookKey]Hook{
	{Family: IP, Hook: unix.NF_INET_LOCAL_IN}:     Input,
	{Family: IP, Hook: unix.NF_INET_LOCAL_OUT}:    Output,
	{Family: IP, Hook: unix.NF_INET_FORWARD}:      Forward,
	{Family: IP, Hook: unix.NF_INET_PRE_ROUTING}:  Prerouting,
	{Family: IP, Hook: unix.NF_INET_POST_ROUTING}: Postrouting,
	{Family: IP, Hook: linuxInetIngress}:          Ingress,

	{Family: IP6, Hook: unix.NF_INET_LOCAL_IN}:     Input,
	{Family: IP6, Hook: unix.NF_INET_LOCAL_OUT}:    Output,
	{Family: IP6, Hook: unix.NF_INET_FORWARD}:      Forward,
	{Family: IP6, Hook: unix.NF_INET_PRE_ROUTING}:  Prerouting,
	{Family: IP6, Hook: unix.NF_INET_POST_ROUTING}: Postrouting,
	{Family: IP6, Hook: linuxInetIngress}:          Ingress,

	{Family: Inet, Hook: unix.NF_INET_LOCAL_IN}:     Input,
	{Family: Inet, Hook: unix.NF_INET_LOCAL_OUT}:    Output,
	{Family: Inet, Hook: unix.NF_INET_FORWARD}:      Forward,
	{Family: Inet, Hook: unix.NF_INET_PRE_ROUTING}:  Prerouting,
	{Family: Inet, Hook: unix.NF_INET_POST_ROUTING}: Postrouting,
	{Family: Inet, Hook: linuxInetIngress}:          Ingress,

	{Family: Arp, Hook: linuxArpIn}:  Input,
	{Family: Arp, Hook: linuxArpOut}: Output,

	// Bridge hooks share their numbering with the inet hooks.
	{Family: Bridge, Hook: unix.NF_INET_PRE_ROUTING}:  Prerouting,
	{Family: Bridge, Hook: unix.NF_INET_LOCAL_IN}:     Input,
	{Family: Bridge, Hook: unix.NF_INET_FORWARD}:      Forward,
	{Family: Bridge, Hook: unix.NF_INET_LOCAL_OUT}:    Output,
	{Family: Bridge, Hook: unix.NF_INET_POST_ROUTING}: Postrouting,

	{Family: Netdev, Hook: linuxNetdevIngress}: Ingress,
	{Family: Netdev, Hook: linuxNetdevEgress}:  Egress,
}

// LinuxHook returns the hook for the given linux hook number.
func LinuxHook(family AddressFamily, hook uint32) (Hook, error) {
	if h, ok := linuxHookToHook[FamilyHookKey{Family: family, Hook: hook}]; ok {
		return h, nil
	}
	return 0, newError(CodeInvalidArgument, "invalid linux hook %d for address family %s", hook, family)
}

// BaseChainType represents the supported chain types for base chains.
type BaseChainType int

// Constants for BaseChainType
const (
	// BaseChainTypeFilter type  is supported by all Hooks.
	BaseChainTypeFilter BaseChainType = iota

	// BaseChainTypeNat type     is supported by Prerouting, Input, Output, Postrouting Hooks.
	BaseChainTypeNat

	// BaseChainTypeRoute type   is supported by the Output Hook only.
	BaseChainTypeRoute

	// NumBaseChainTypes is the number of base chain types supported by nftables.
	NumBaseChainTypes
)

// baseChainTypeStrings maps base chain types to their string representation.
var baseChainTypeStrings = map[BaseChainType]string{
	BaseChainTypeFilter: "filter",
	BaseChainTypeNat:    "nat",
	BaseChainTypeRoute:  "route",
}

// String for BaseChainType returns the name of the base chain type.
func (bcType BaseChainType) String() string {
	if bcTypeString, ok := baseChainTypeStrings[bcType]; ok {
		return bcTypeString
	}
	panic(fmt.Sprintf("invalid base chain type: %d", int(bcType)))
}

// ParseBaseChainType returns the base chain type for its name.
func ParseBaseChainType(s string) (BaseChainType, error) {
	for t, name := range baseChainTypeStrings {
		if name == s {
			return t, nil
		}
	}
	return 0, newError(CodeInvalidArgument, "unknown chain type %q", s)
}

// supportedAFsForBaseChainTypes maps each base chain type to its supported
// address families.
var supportedAFsForBaseChainTypes [NumBaseChainTypes][]AddressFamily = [NumBaseChainTypes][]AddressFamily{
	BaseChainTypeFilter: {IP, IP6, Inet, Bridge, Arp, Netdev},
	BaseChainTypeNat:    {IP, IP6, Inet},
	BaseChainTypeRoute:  {IP, IP6},
}

// supportedHooksForBaseChainTypes maps each base chain type to its supported
// hooks.
var supportedHooksForBaseChainTypes [NumBaseChainTypes][]Hook = [NumBaseChainTypes][]Hook{
	BaseChainTypeFilter: {Prerouting, Input, Forward, Output, Postrouting, Ingress, Egress},
	BaseChainTypeNat:    {Prerouting, Input, Output, Postrouting},
	BaseChainTypeRoute:  {Output},
}

// BaseChainInfo stores hook-related info for attaching a chain to the pipeline.
type BaseChainInfo struct {
	// BcType is the base chain type of the chain (filter, nat, route).
	BcType BaseChainType

	// Hook is the hook to attach the chain to in the netfilter pipeline
	Hook Hook

	// Priority determines the order in which base chains with the same hook are
	// traversed. Each priority is associated with a signed integer priority value
	// which rank base chains in ascending order. See the Priority struct below
	// for more details.
	Priority Priority

	// Device is an optional parameter and is mainly relevant to the bridge and
	// netdev address families. It specifies the device associated with chain.
	Device string

	// PolicyDrop determines whether to change the chain's policy from Accept to
	// Drop. The policy of a chain is the verdict to issue when a packet is not
	// explicitly accepted or rejected by the rules. A chain's policy defaults to
	// Accept, but this can be used to specify otherwise.
	PolicyDrop bool
}

// NewBaseChainInfo creates a new BaseChainInfo object with the given values.
// The device and policyDrop parameters are optional in the nft binary and
// should be set to empty string and false if not needed.
func NewBaseChainInfo(bcType BaseChainType, hook Hook, priority Priority, device string, policyDrop bool) *BaseChainInfo {
	return &BaseChainInfo{
		BcType:     bcType,
		Hook:       hook,
		Priority:   priority,
		Device:     device,
		PolicyDrop: policyDrop,
	}
}

// Policy returns the verdict issued when evaluation falls off the chain.
func (bc *BaseChainInfo) Policy() Verdict {
	if bc.PolicyDrop {
		return Verdict{Code: VerdictDrop}
	}
	return Verdict{Code: VerdictAccept}
}

// validateBaseChainInfo ensures the base chain info is valid by checking the
// compatibility of the set base chain type, hook, and priority, and the given
// address family.
func validateBaseChainInfo(info *BaseChainInfo, family AddressFamily) error {
	if info == nil {
		return newError(CodeInvalidArgument, "base chain info is nil")
	}
	if err := validateHook(info.Hook, family); err != nil {
		return err
	}
	if info.BcType < 0 || info.BcType >= NumBaseChainTypes {
		return newError(CodeInvalidArgument, "base chain type %d is invalid", int(info.BcType))
	}
	if !slices.Contains(supportedAFsForBaseChainTypes[info.BcType], family) {
		return newError(CodeNotSupported, "base chain type %s is not supported for address family %s", info.BcType, family)
	}
	if !slices.Contains(supportedHooksForBaseChainTypes[info.BcType], info.Hook) {
		return newError(CodeNotSupported, "base chain type %s is not valid for hook %s", info.BcType, info.Hook)
	}

	// Priority assumed to be valid since it's a result of a constructor call.
	return nil
}

//
// Priority Object Implementation.
// Object contents are hidden to prevent creating invalid Priority objects.
//

// Priority represents the priority of a base chain which specifies the order
// in which base chains with the same hook value are traversed.
// nftables allows for 2 types of priorities: 1) a simple signed integer value
// or 2) a predefined standard priority name (which is implicitly mapped to a
// signed integer value). Priorities are traversed in ascending order such that
// lower priority value have precedence.
// Use the respective NewIntPriority or NewStandardPriority to create new
// Priority objects.
type Priority struct {
	// value is the priority value of the base chain (in ascending order). This is
	// set whether the priority is represented by a simple signed integer value or
	// a standard priority name.
	value int

	// standardPriorityName is the standard priority name if the priority is a
	// predefined standard priority name, otherwise it is the empty string.
	standardPriorityName string
}

// NewIntPriority creates a new Priority object given a simple signed integer
// priority value.
func NewIntPriority(value int) Priority {
	return Priority{value: value}
}

// NewStandardPriority creates a new Priority object given a standard priority
// name, returning an error if the standard priority name is not compatible with
// the given address family and hook.
func NewStandardPriority(name string, family AddressFamily, hook Hook) (Priority, error) {
	if err := validateAddressFamily(family); err != nil {
		return Priority{}, err
	}
	if err := validateHook(hook, family); err != nil {
		return Priority{}, err
	}
	if name == "" {
		return Priority{}, newError(CodeInvalidArgument, "standard priority name cannot be empty")
	}

	familyMatrix, exists := standardPriorityMatrix[family]
	if !exists {
		return Priority{}, newError(CodeNotFound, "standard priority names are not available for address family %s", family)
	}
	sp, exists := familyMatrix[name]
	if !exists {
		return Priority{}, newError(CodeNotFound, "standard priority name %s not compatible for address family %s", name, family)
	}
	if !slices.Contains(sp.hooks, hook) {
		return Priority{}, newError(CodeNotSupported, "hook %s is not compatible with standard priority %s", hook, name)
	}

	return Priority{value: sp.value, standardPriorityName: name}, nil
}

// IsStandardPriority returns true if the priority is a standard priority name.
func (p Priority) IsStandardPriority() bool {
	return p.standardPriorityName != ""
}

// GetValue returns the priority value for the Priority object.
func (p Priority) GetValue() int {
	return p.value
}

// GetStandardPriorityName returns the standard priority name for the Priority
// object. It panics if the priority is not a standard priority name.
func (p Priority) GetStandardPriorityName() string {
	if !p.IsStandardPriority() {
		panic("priority is not a standard priority")
	}
	return p.standardPriorityName
}

// String for Priority returns the string representation of the Priority object.
func (p Priority) String() string {
	if p.IsStandardPriority() {
		return p.standardPriorityName
	}
	return fmt.Sprintf("%d", p.value)
}

// Standard priority values from uapi/linux/netfilter_ipv4.h,
// uapi/linux/netfilter_ipv6.h and uapi/linux/netfilter_bridge.h.
const (
	priRaw            = -300
	priMangle         = -150
	priNatDst         = -100
	priFilter         = 0
	priSecurity       = 50
	priNatSrc         = 100
	priBrNatDstBridge = -300
	priBrFilterBridge = -200
	priBrNatDstOther  = 100
	priBrNatSrc       = 300
)

// standardPriority represents the information for a predefined standard
// priority name and mapping. Standard priorities are only available for the IP,
// IP6, Inet, and Bridge address families, and the matrix below maps each
// standard priority name to the priority value and hooks that the priority
// applies to for the supported address families.
type standardPriority struct {
	name  string
	value int
	hooks []Hook
}

// standardPriorityMatrix is used to look up information for the predefined
// standard priority names.
var standardPriorityMatrix = map[AddressFamily](map[string]standardPriority){
	IP:   spmIP,
	IP6:  spmIP,
	Inet: spmIP,
	Arp: map[string]standardPriority{ // defined as same as IP filter priority
		"filter": {name: "filter", value: priFilter, hooks: supportedHooks[Arp]},
	},
	Bridge: map[string]standardPriority{
		"dstnat": {name: "dstnat", value: priBrNatDstBridge, hooks: []Hook{Prerouting}},
		"filter": {name: "filter", value: priBrFilterBridge, hooks: supportedHooks[Bridge]},
		"out":    {name: "out", value: priBrNatDstOther, hooks: []Hook{Output}},
		"srcnat": {name: "srcnat", value: priBrNatSrc, hooks: []Hook{Postrouting}},
	},
	Netdev: map[string]standardPriority{ // defined as same as IP filter priority
		"filter": {name: "filter", value: priFilter, hooks: supportedHooks[Netdev]},
	},
}

// Used in the standardPriorityMatrix above.
// Note: IPv4, IPv6 and Inet address families use the same standard priorities.
var spmIP = map[string]standardPriority{
	"raw":      {name: "raw", value: priRaw, hooks: supportedHooks[IP]},
	"mangle":   {name: "mangle", value: priMangle, hooks: supportedHooks[IP]},
	"dstnat":   {name: "dstnat", value: priNatDst, hooks: []Hook{Prerouting}},
	"filter":   {name: "filter", value: priFilter, hooks: supportedHooks[IP]},
	"security": {name: "security", value: priSecurity, hooks: supportedHooks[IP]},
	"srcnat":   {name: "srcnat", value: priNatSrc, hooks: []Hook{Postrouting}},
}

// TableFlag is a flag for a table (enum nft_table_flags, plus the internal
// NFT_TABLE_BUILTIN flag).
type TableFlag uint32

const (
	// TableFlagDormant is set if the table is dormant. Dormant tables are not
	// evaluated.
	TableFlagDormant TableFlag = 1 << iota

	// TableFlagBuiltin marks a table created by the system rather than by
	// an administrative request. Builtin tables cannot be deleted.
	TableFlagBuiltin
)

// ChainFlag is a flag for a chain.
type ChainFlag uint32

const (
	// ChainFlagBase is set for chains attached to a hook (NFT_BASE_CHAIN).
	ChainFlagBase ChainFlag = 1 << iota

	// ChainFlagBuiltin marks a chain created by the system
	// (NFT_CHAIN_BUILTIN). Builtin chains cannot be deleted.
	ChainFlagBuiltin
)
