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
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// port returns a 2 byte key.
func port(p uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, p)
}

// addSet adds a set to the ip table.
func addSet(t *testing.T, nf *NFTables, desc SetDesc) *Set {
	t.Helper()
	s, err := nf.AddSet(IP, testTable, desc, nil)
	if err != nil {
		t.Fatalf("AddSet(%s) failed: %v", desc.Name, err)
	}
	return s
}

// addElems adds elements to a set of the ip table.
func addElems(t *testing.T, nf *NFTables, set string, elems ...SetElemSpec) {
	t.Helper()
	if err := nf.AddSetElems(IP, testTable, set, elems); err != nil {
		t.Fatalf("AddSetElems(%s) failed: %v", set, err)
	}
}

// lookupKey looks up a key in a set.
func lookupKey(t *testing.T, s *Set, key []byte) (*Data, bool) {
	t.Helper()
	d, err := NewValueData(key)
	if err != nil {
		t.Fatalf("NewValueData(%v) failed: %v", key, err)
	}
	return s.Lookup(&d)
}

func TestSetBackendSelection(t *testing.T) {
	for _, tc := range []struct {
		name    string
		desc    SetDesc
		want    string
		wantErr error
	}{
		{"small membership", SetDesc{KeyLen: 1}, "bitmap", nil},
		{"port membership", SetDesc{KeyLen: 2}, "bitmap", nil},
		{"address membership", SetDesc{KeyLen: 4}, "hash", nil},
		{"value map", SetDesc{KeyLen: 2, Flags: SetFlagMap, DataLen: 4}, "hash", nil},
		{"verdict map", SetDesc{KeyLen: 2, Flags: SetFlagMap, DataType: DataVerdict}, "hash", nil},
		{"interval", SetDesc{KeyLen: 4, Flags: SetFlagInterval}, "rbtree", nil},
		{"interval map", SetDesc{KeyLen: 4, Flags: SetFlagInterval | SetFlagMap, DataLen: 4}, "rbtree", nil},
		{"requested backend", SetDesc{KeyLen: 2, Backend: "rbtree"}, "rbtree", nil},
		{"unsuitable backend", SetDesc{KeyLen: 4, Backend: "bitmap"}, "", ErrNotSupported},
		{"long key", SetDesc{KeyLen: RegisterSize + 1}, "", ErrInvalidLength},
		{"data without map", SetDesc{KeyLen: 2, DataLen: 4}, "", ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			nf := newTestNFTables(t)
			tc.desc.Name = "s"
			s, err := nf.AddSet(IP, testTable, tc.desc, nil)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got AddSet() = %v, want %v", err, tc.wantErr)
			}
			if err == nil && s.GetBackendName() != tc.want {
				t.Errorf("got backend %s, want %s", s.GetBackendName(), tc.want)
			}
		})
	}
}

func TestSetBackends(t *testing.T) {
	for _, backend := range []string{"bitmap", "hash", "rbtree"} {
		t.Run(backend, func(t *testing.T) {
			nf := newTestNFTables(t)
			s := addSet(t, nf, SetDesc{Name: "s", KeyLen: 2, Backend: backend})

			rng := rand.New(rand.NewPCG(1, 2))
			present := make(map[uint16]bool)
			var elems []SetElemSpec
			for len(present) < 300 {
				k := uint16(rng.UintN(1 << 16))
				if !present[k] {
					present[k] = true
					elems = append(elems, SetElemSpec{Key: port(k)})
				}
			}
			addElems(t, nf, "s", elems...)
			if s.Len() != len(present) {
				t.Fatalf("got %d elements, want %d", s.Len(), len(present))
			}
			if err := nf.AddSetElems(IP, testTable, "s", elems[:1]); !errors.Is(err, ErrExists) {
				t.Errorf("got AddSetElems(duplicate) = %v, want %v", err, ErrExists)
			}

			// Removes every other element.
			var removed []SetElemSpec
			for i := 0; i < len(elems); i += 2 {
				removed = append(removed, elems[i])
			}
			if err := nf.DeleteSetElems(IP, testTable, "s", removed); err != nil {
				t.Fatalf("DeleteSetElems() failed: %v", err)
			}
			for _, e := range removed {
				present[binary.BigEndian.Uint16(e.Key)] = false
			}
			if err := nf.DeleteSetElems(IP, testTable, "s", removed[:1]); !errors.Is(err, ErrNotFound) {
				t.Errorf("got DeleteSetElems(missing) = %v, want %v", err, ErrNotFound)
			}

			for k := 0; k < 1<<16; k++ {
				_, got := lookupKey(t, s, port(uint16(k)))
				if want := present[uint16(k)]; got != want {
					t.Fatalf("got Lookup(%d) = %t, want %t", k, got, want)
				}
			}
			if want := len(elems) - len(removed); s.Len() != want {
				t.Errorf("got %d elements, want %d", s.Len(), want)
			}
		})
	}
}

func TestSetWalk(t *testing.T) {
	errStop := errors.New("stop")
	for _, backend := range []string{"bitmap", "rbtree"} {
		t.Run(backend, func(t *testing.T) {
			nf := newTestNFTables(t)
			addSet(t, nf, SetDesc{Name: "s", KeyLen: 2, Backend: backend})
			for i := range uint16(10) {
				addElems(t, nf, "s", SetElemSpec{Key: port(i + 1)})
			}

			var got []uint16
			iter := &SetIter{
				Skip: 3,
				Fn: func(ctx *Context, set *Set, iter *SetIter, elem *SetElem) error {
					got = append(got, binary.BigEndian.Uint16(elem.Key.Bytes()))
					if len(got) == 4 {
						return errStop
					}
					return nil
				},
			}
			if err := nf.WalkSet(IP, testTable, "s", iter); !errors.Is(err, errStop) {
				t.Errorf("got WalkSet() = %v, want %v", err, errStop)
			}
			if diff := cmp.Diff([]uint16{4, 5, 6, 7}, got); diff != "" {
				t.Errorf("walked keys mismatch (-want +got):\n%s", diff)
			}
			if iter.Count != 6 {
				t.Errorf("got count %d, want 6", iter.Count)
			}
		})
	}
}

func TestIntervalSet(t *testing.T) {
	nf := newTestNFTables(t)
	s := addSet(t, nf, SetDesc{Name: "ranges", KeyLen: 2, Flags: SetFlagInterval})
	addElems(t, nf, "ranges",
		SetElemSpec{Key: port(10)}, SetElemSpec{Key: port(20), IntervalEnd: true},
		SetElemSpec{Key: port(20)}, SetElemSpec{Key: port(30), IntervalEnd: true},
		SetElemSpec{Key: port(40)}, SetElemSpec{Key: port(50), IntervalEnd: true},
	)
	for _, tc := range []struct {
		key  uint16
		want bool
	}{
		{0, false},
		{9, false},
		{10, true},
		{19, true},
		{20, true},
		{29, true},
		{30, false},
		{39, false},
		{45, true},
		{50, false},
		{65535, false},
	} {
		if _, got := lookupKey(t, s, port(tc.key)); got != tc.want {
			t.Errorf("got Lookup(%d) = %t, want %t", tc.key, got, tc.want)
		}
	}

	// Removing an interval end extends the previous interval.
	if err := nf.DeleteSetElems(IP, testTable, "ranges", []SetElemSpec{{Key: port(50), IntervalEnd: true}}); err != nil {
		t.Fatalf("DeleteSetElems() failed: %v", err)
	}
	if _, got := lookupKey(t, s, port(60)); !got {
		t.Errorf("got Lookup(60) = false after removing the interval end, want true")
	}
}

func TestSetElemTypeChecks(t *testing.T) {
	nf := newTestNFTables(t)
	addSet(t, nf, SetDesc{Name: "members", KeyLen: 2})
	addSet(t, nf, SetDesc{Name: "values", KeyLen: 2, Flags: SetFlagMap, DataLen: 4})
	addSet(t, nf, SetDesc{Name: "verdicts", KeyLen: 2, Flags: SetFlagMap, DataType: DataVerdict})
	for _, tc := range []struct {
		name string
		set  string
		elem SetElemSpec
		want error
	}{
		{"short key", "members", SetElemSpec{Key: []byte{1}}, ErrTypeMismatch},
		{"empty key", "members", SetElemSpec{}, ErrInvalidLength},
		{"data in set", "members", SetElemSpec{Key: port(1), Value: []byte{1}}, ErrTypeMismatch},
		{"interval end without intervals", "members", SetElemSpec{Key: port(1), IntervalEnd: true}, ErrInvalidArgument},
		{"short value", "values", SetElemSpec{Key: port(1), Value: []byte{1}}, ErrTypeMismatch},
		{"verdict in value map", "values", SetElemSpec{Key: port(1), Verdict: &VerdictSpec{Code: VerdictAccept}}, ErrTypeMismatch},
		{"value in verdict map", "verdicts", SetElemSpec{Key: port(1), Value: []byte{0, 0, 0, 1}}, ErrTypeMismatch},
		{"invalid verdict", "verdicts", SetElemSpec{Key: port(1), Verdict: &VerdictSpec{Code: -42}}, ErrInvalidArgument},
		{"missing jump target", "verdicts", SetElemSpec{Key: port(1), Verdict: &VerdictSpec{Code: VerdictJump, Chain: "nowhere"}}, ErrNotFound},
		{"value and verdict", "verdicts", SetElemSpec{Key: port(1), Value: []byte{1}, Verdict: &VerdictSpec{Code: VerdictAccept}}, ErrInvalidArgument},
	} {
		if err := nf.AddSetElems(IP, testTable, tc.set, []SetElemSpec{tc.elem}); !errors.Is(err, tc.want) {
			t.Errorf("%s: got AddSetElems() = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestGetSetElem(t *testing.T) {
	nf := newTestNFTables(t)
	addSet(t, nf, SetDesc{Name: "values", KeyLen: 2, Flags: SetFlagMap, DataLen: 4})
	addElems(t, nf, "values", SetElemSpec{Key: port(22), Value: []byte{0, 0, 0, 7}})
	elem, err := nf.GetSetElem(IP, testTable, "values", port(22))
	if err != nil {
		t.Fatalf("GetSetElem() failed: %v", err)
	}
	if got, want := elem.Data.Bytes(), []byte{0, 0, 0, 7}; !cmp.Equal(got, want) {
		t.Errorf("got data %v, want %v", got, want)
	}
	if _, err := nf.GetSetElem(IP, testTable, "values", port(23)); !errors.Is(err, ErrNotFound) {
		t.Errorf("got GetSetElem(missing) = %v, want %v", err, ErrNotFound)
	}
}

func TestHashSetResize(t *testing.T) {
	nf := newTestNFTables(t)
	s := addSet(t, nf, SetDesc{Name: "addrs", KeyLen: 4})
	var elems []SetElemSpec
	for i := range uint32(1000) {
		elems = append(elems, SetElemSpec{Key: binary.BigEndian.AppendUint32(nil, i*7919)})
	}
	addElems(t, nf, "addrs", elems...)
	if got := len(s.backend.(*hashSet).table.Load().buckets); got <= hashMinBuckets {
		t.Errorf("got %d buckets for %d elements, want more than %d", got, len(elems), hashMinBuckets)
	}
	for _, e := range elems {
		if _, ok := lookupKey(t, s, e.Key); !ok {
			t.Fatalf("got Lookup(%v) = false, want true", e.Key)
		}
	}
}

// TestLookupRule tests a rule matching packets whose port is in a set.
func TestLookupRule(t *testing.T) {
	for _, invert := range []bool{false, true} {
		nf := newTestNFTables(t)
		addBaseChain(t, nf, "input", 0, false)
		addSet(t, nf, SetDesc{Name: "ports", KeyLen: 2})
		addElems(t, nf, "ports", SetElemSpec{Key: port(22)}, SetElemSpec{Key: port(443)})
		addRule(t, nf, "input",
			ExprSpec{Name: "payload", Params: PayloadParams{Base: TransportHeader, Offset: 2, Len: 2, Dreg: Reg1}},
			ExprSpec{Name: "lookup", Params: LookupParams{Set: "ports", Sreg: Reg1, Invert: invert}},
			verdictSpec(VerdictDrop, ""),
		)
		for _, tc := range []struct {
			port  uint16
			inSet bool
		}{
			{22, true},
			{443, true},
			{80, false},
		} {
			want := VerdictAccept
			if tc.inSet != invert {
				want = VerdictDrop
			}
			if got := evaluateInput(t, nf, tcpPacket(t, tc.port)); got.Code != want {
				t.Errorf("invert=%t: got verdict %s for port %d, want %s", invert, got, tc.port, VerdictCodeString(want))
			}
		}
	}
}

// TestBoundSetCannotBeDestroyed tests that a set referenced by a rule cannot
// be deleted until the rule is removed.
func TestBoundSetCannotBeDestroyed(t *testing.T) {
	nf := newTestNFTables(t)
	addChain(t, nf, "sub")
	s := addSet(t, nf, SetDesc{Name: "ports", KeyLen: 2})
	r := addRule(t, nf, "sub", ExprSpec{Name: "lookup", Params: LookupParams{Set: "ports", Sreg: Reg1}})
	if s.GetUse() != 1 {
		t.Fatalf("got set use %d, want 1", s.GetUse())
	}
	if err := nf.DeleteSet(IP, testTable, "ports"); !errors.Is(err, ErrBusy) {
		t.Fatalf("got DeleteSet() = %v, want %v", err, ErrBusy)
	}
	if err := nf.DeleteRule(IP, testTable, "sub", r.GetHandle()); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if s.GetUse() != 0 {
		t.Errorf("got set use %d after deleting the rule, want 0", s.GetUse())
	}
	if err := nf.DeleteSet(IP, testTable, "ports"); err != nil {
		t.Fatalf("DeleteSet() failed: %v", err)
	}
	if _, err := nf.GetSet(IP, testTable, "ports"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got GetSet() = %v after delete, want %v", err, ErrNotFound)
	}
}

func TestAnonymousSetDestroyedWithRule(t *testing.T) {
	nf := newTestNFTables(t)
	addChain(t, nf, "sub")
	addSet(t, nf, SetDesc{Name: "__set0", KeyLen: 2, Flags: SetFlagAnonymous | SetFlagConstant})
	addElems(t, nf, "__set0", SetElemSpec{Key: port(22)})
	r := addRule(t, nf, "sub", ExprSpec{Name: "lookup", Params: LookupParams{Set: "__set0", Sreg: Reg1}})

	if err := nf.AddSetElems(IP, testTable, "__set0", []SetElemSpec{{Key: port(80)}}); !errors.Is(err, ErrBusy) {
		t.Errorf("got AddSetElems(bound constant set) = %v, want %v", err, ErrBusy)
	}
	if err := nf.DeleteRule(IP, testTable, "sub", r.GetHandle()); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, err := nf.GetSet(IP, testTable, "__set0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got GetSet() = %v after deleting the rule, want %v", err, ErrNotFound)
	}
}

func TestBindKeyMismatch(t *testing.T) {
	nf := newTestNFTables(t)
	addChain(t, nf, "sub")
	addSet(t, nf, SetDesc{Name: "ports", KeyLen: 2})
	addSet(t, nf, SetDesc{Name: "values", KeyLen: 2, Flags: SetFlagMap, DataLen: 4})
	for _, tc := range []struct {
		name   string
		params LookupParams
		want   error
	}{
		{"dreg on set", LookupParams{Set: "ports", Sreg: Reg1, Dreg: Reg2, HasDreg: true}, ErrInvalidArgument},
		{"value into verdict register", LookupParams{Set: "values", Sreg: Reg1, Dreg: RegVerdict, HasDreg: true}, ErrTypeMismatch},
		{"inverted map", LookupParams{Set: "values", Sreg: Reg1, Dreg: Reg2, HasDreg: true, Invert: true}, ErrInvalidArgument},
	} {
		if _, err := nf.AddRule(IP, testTable, "sub", []ExprSpec{{Name: "lookup", Params: tc.params}}, nil); !errors.Is(err, tc.want) {
			t.Errorf("%s: got AddRule() = %v, want %v", tc.name, err, tc.want)
		}
	}
}

// TestVerdictMap tests jumps through a verdict map and the references its
// elements hold.
func TestVerdictMap(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	sub := addChain(t, nf, "sub")
	addRule(t, nf, "sub", verdictSpec(VerdictDrop, ""))
	addSet(t, nf, SetDesc{Name: "dispatch", KeyLen: 2, Flags: SetFlagMap, DataType: DataVerdict})
	addElems(t, nf, "dispatch",
		SetElemSpec{Key: port(22), Verdict: &VerdictSpec{Code: VerdictAccept}},
		SetElemSpec{Key: port(80), Verdict: &VerdictSpec{Code: VerdictJump, Chain: "sub"}},
	)
	addRule(t, nf, "input",
		ExprSpec{Name: "payload", Params: PayloadParams{Base: TransportHeader, Offset: 2, Len: 2, Dreg: Reg1}},
		ExprSpec{Name: "lookup", Params: LookupParams{Set: "dispatch", Sreg: Reg1, Dreg: RegVerdict, HasDreg: true}},
	)
	addRule(t, nf, "input", verdictSpec(VerdictDrop, ""))

	for _, tc := range []struct {
		port uint16
		want int32
	}{
		{22, VerdictAccept},
		{80, VerdictDrop},
		{443, VerdictDrop},
	} {
		if got := evaluateInput(t, nf, tcpPacket(t, tc.port)); got.Code != tc.want {
			t.Errorf("got verdict %s for port %d, want %s", got, tc.port, VerdictCodeString(tc.want))
		}
	}
	if sub.GetUse() != 1 || sub.GetLevel() != 1 {
		t.Errorf("got sub use %d level %d, want use 1 level 1", sub.GetUse(), sub.GetLevel())
	}
	if err := nf.DeleteChain(IP, testTable, "sub"); !errors.Is(err, ErrBusy) {
		t.Errorf("got DeleteChain() = %v, want %v", err, ErrBusy)
	}
	if err := nf.DeleteSetElems(IP, testTable, "dispatch", []SetElemSpec{{Key: port(80)}}); err != nil {
		t.Fatalf("DeleteSetElems() failed: %v", err)
	}
	if sub.GetUse() != 0 {
		t.Errorf("got sub use %d after removing the element, want 0", sub.GetUse())
	}
	if err := nf.DeleteChain(IP, testTable, "sub"); err != nil {
		t.Errorf("DeleteChain() failed: %v", err)
	}
}

// TestVerdictMapLoops tests that verdict maps cannot create jump cycles,
// whether the element or the binding comes last.
func TestVerdictMapLoops(t *testing.T) {
	nf := newTestNFTables(t)
	sub := addChain(t, nf, "sub")
	other := addChain(t, nf, "other")
	addSet(t, nf, SetDesc{Name: "dispatch", KeyLen: 2, Flags: SetFlagMap, DataType: DataVerdict})
	addElems(t, nf, "dispatch", SetElemSpec{Key: port(80), Verdict: &VerdictSpec{Code: VerdictGoto, Chain: "sub"}})

	lookupDispatch := ExprSpec{Name: "lookup", Params: LookupParams{Set: "dispatch", Sreg: Reg1, Dreg: RegVerdict, HasDreg: true}}
	if _, err := nf.AddRule(IP, testTable, "sub", []ExprSpec{lookupDispatch}, nil); !errors.Is(err, ErrLoop) {
		t.Errorf("got AddRule(sub looking up a map targeting sub) = %v, want %v", err, ErrLoop)
	}

	addRule(t, nf, "other", lookupDispatch)
	if err := nf.AddSetElems(IP, testTable, "dispatch", []SetElemSpec{{Key: port(81), Verdict: &VerdictSpec{Code: VerdictJump, Chain: "other"}}}); !errors.Is(err, ErrLoop) {
		t.Errorf("got AddSetElems(element targeting the bound chain) = %v, want %v", err, ErrLoop)
	}
	if sub.GetUse() != 1 || other.GetUse() != 0 {
		t.Errorf("got use sub=%d other=%d, want sub=1 other=0", sub.GetUse(), other.GetUse())
	}
	if sub.GetLevel() != 1 {
		t.Errorf("got sub level %d, want 1", sub.GetLevel())
	}
}

// TestValueMap tests loading mapped data into a register.
func TestValueMap(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	addSet(t, nf, SetDesc{Name: "classes", KeyLen: 2, Flags: SetFlagMap, DataLen: 4})
	addElems(t, nf, "classes",
		SetElemSpec{Key: port(22), Value: []byte{0, 0, 0, 1}},
		SetElemSpec{Key: port(80), Value: []byte{0, 0, 0, 2}},
	)
	addRule(t, nf, "input",
		ExprSpec{Name: "payload", Params: PayloadParams{Base: TransportHeader, Offset: 2, Len: 2, Dreg: Reg1}},
		ExprSpec{Name: "lookup", Params: LookupParams{Set: "classes", Sreg: Reg1, Dreg: Reg2, HasDreg: true}},
		ExprSpec{Name: "cmp", Params: CmpParams{Sreg: Reg2, Op: CmpGte, Data: []byte{0, 0, 0, 2}}},
		verdictSpec(VerdictDrop, ""),
	)
	for _, tc := range []struct {
		port uint16
		want int32
	}{
		{22, VerdictAccept},
		{80, VerdictDrop},
		{443, VerdictAccept},
	} {
		if got := evaluateInput(t, nf, tcpPacket(t, tc.port)); got.Code != tc.want {
			t.Errorf("got verdict %s for port %d, want %s", got, tc.port, VerdictCodeString(tc.want))
		}
	}
}
