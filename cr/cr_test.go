package cr_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"testing"

	"github.com/bobuhiro11/govmx/cr"
	"github.com/bobuhiro11/govmx/debug"
	"github.com/bobuhiro11/govmx/emulate"
	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/vmcs"
)

const (
	guestRIP = 0x100000
	insnLen  = 3
)

func newHandler(t *testing.T, opts ...cr.Option) (*cr.Handler, *exit.Router) {
	t.Helper()

	r := exit.NewRouter()

	h, err := cr.New(r, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return h, r
}

// stage prepares m as if the guest had just trapped on access a with the
// source or destination register holding gpr.
func stage(t *testing.T, m *vmcs.Memory, a vmcs.CRAccess, gpr uint64) {
	t.Helper()

	for f, val := range map[vmcs.Field]uint64{
		vmcs.ExitReasonField:       uint64(vmcs.ExitReasonControlRegisterAccess),
		vmcs.ExitQualification:     a.Encode(),
		vmcs.ExitInstructionLength: insnLen,
		vmcs.GuestRIP:              guestRIP,
	} {
		if err := m.Write(f, val); err != nil {
			t.Fatal(err)
		}
	}

	if a.Type == vmcs.AccessMovToCR || a.Type == vmcs.AccessMovFromCR {
		if err := emulate.WriteGPR(m, a.GPR, gpr); err != nil {
			t.Fatal(err)
		}
	}
}

func rip(t *testing.T, m *vmcs.Memory) uint64 {
	t.Helper()

	v, err := m.Read(vmcs.GuestRIP)
	if err != nil {
		t.Fatal(err)
	}

	return v
}

func read(t *testing.T, m *vmcs.Memory, f vmcs.Field) uint64 {
	t.Helper()

	v, err := m.Read(f)
	if err != nil {
		t.Fatal(err)
	}

	return v
}

func TestNewTwice(t *testing.T) {
	t.Parallel()

	_, r := newHandler(t)

	if _, err := cr.New(r); !errors.Is(err, exit.ErrHandlerExists) {
		t.Fatalf("New twice: got %v, want %v", err, exit.ErrHandlerExists)
	}
}

type op struct {
	name   string
	access vmcs.CRAccess
	add    func(h *cr.Handler, cb cr.Callback)
	enable func(h *cr.Handler, v vmcs.VMCS) error
}

var ops = []op{
	{
		name:   "WrCR0",
		access: vmcs.CRAccess{Number: 0, Type: vmcs.AccessMovToCR, GPR: vmcs.RBX},
		add:    (*cr.Handler).AddWrCR0Callback,
		enable: func(h *cr.Handler, v vmcs.VMCS) error { return h.EnableWrCR0Exiting(v, 0xffffffff, 0x80000011) },
	},
	{
		name:   "RdCR3",
		access: vmcs.CRAccess{Number: 3, Type: vmcs.AccessMovFromCR, GPR: vmcs.RCX},
		add:    (*cr.Handler).AddRdCR3Callback,
		enable: (*cr.Handler).EnableRdCR3Exiting,
	},
	{
		name:   "WrCR3",
		access: vmcs.CRAccess{Number: 3, Type: vmcs.AccessMovToCR, GPR: vmcs.RSP},
		add:    (*cr.Handler).AddWrCR3Callback,
		enable: (*cr.Handler).EnableWrCR3Exiting,
	},
	{
		name:   "WrCR4",
		access: vmcs.CRAccess{Number: 4, Type: vmcs.AccessMovToCR, GPR: vmcs.R9},
		add:    (*cr.Handler).AddWrCR4Callback,
		enable: func(h *cr.Handler, v vmcs.VMCS) error { return h.EnableWrCR4Exiting(v, vmcs.CR4xVMXE, 0) },
	},
}

func TestCallbackOrder(t *testing.T) {
	t.Parallel()

	for _, o := range ops {
		h, r := newHandler(t)
		m := vmcs.NewMemory()

		if err := o.enable(h, m); err != nil {
			t.Fatalf("%s: enable: %v", o.name, err)
		}

		var order []int

		for i, claim := range []bool{false, true, false, false} {
			o.add(h, cr.CallbackFunc(func(_ vmcs.VMCS, _ *cr.Info) bool {
				order = append(order, i)

				return claim
			}))
		}

		stage(t, m, o.access, 0x1000)

		if ok, err := r.Dispatch(m); !ok || err != nil {
			t.Fatalf("%s: Dispatch: got (%v, %v), want (true, nil)", o.name, ok, err)
		}

		if want := []int{3, 2, 1}; !reflect.DeepEqual(order, want) {
			t.Errorf("%s: order: got %v, want %v", o.name, order, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		op         op
		gpr        uint64
		cr0Shadow  uint64
		cr4Shadow  uint64
		guestCR3   uint64
		wantVal    uint64
		wantShadow uint64
	}{
		{op: ops[0], gpr: 0x80050033, cr0Shadow: 0x60000010, wantVal: 0x80050033, wantShadow: 0x60000010},
		{op: ops[1], gpr: 0xdead, guestCR3: 0x1000, wantVal: 0x1000, wantShadow: 0},
		{op: ops[2], gpr: 0x2000, wantVal: 0x2000, wantShadow: 0},
		{op: ops[3], gpr: 0x2020, cr4Shadow: 0x20, wantVal: 0x2020, wantShadow: 0x20},
	} {
		h, r := newHandler(t)
		m := vmcs.NewMemory()

		for f, val := range map[vmcs.Field]uint64{
			vmcs.CR0ReadShadow: test.cr0Shadow,
			vmcs.CR4ReadShadow: test.cr4Shadow,
			vmcs.GuestCR3:      test.guestCR3,
		} {
			if err := m.Write(f, val); err != nil {
				t.Fatal(err)
			}
		}

		var got cr.Info

		test.op.add(h, cr.CallbackFunc(func(_ vmcs.VMCS, info *cr.Info) bool {
			got = *info

			return false
		}))

		stage(t, m, test.op.access, test.gpr)

		if _, err := r.Dispatch(m); err != nil {
			t.Fatalf("%s: Dispatch: %v", test.op.name, err)
		}

		want := cr.Info{Val: test.wantVal, Shadow: test.wantShadow}
		if got != want {
			t.Errorf("%s: info: got %+v, want %+v", test.op.name, got, want)
		}

		if rip(t, m) != guestRIP+insnLen {
			t.Errorf("%s: rip: got %#x, want %#x", test.op.name, rip(t, m), guestRIP+insnLen)
		}
	}
}

func TestDefaultEmulation(t *testing.T) {
	t.Parallel()

	h, r := newHandler(t)
	m := vmcs.NewMemory()

	if err := h.EnableWrCR4Exiting(m, vmcs.CR4xVMXE, 0); err != nil {
		t.Fatal(err)
	}

	stage(t, m, ops[3].access, vmcs.CR4xPAE|vmcs.CR4xVMXE)

	if _, err := r.Dispatch(m); err != nil {
		t.Fatal(err)
	}

	if v := read(t, m, vmcs.GuestCR4); v != vmcs.CR4xPAE|vmcs.CR4xVMXE {
		t.Errorf("GuestCR4: got %#x, want %#x", v, vmcs.CR4xPAE|vmcs.CR4xVMXE)
	}

	if v := read(t, m, vmcs.CR4ReadShadow); v != 0 {
		t.Errorf("CR4ReadShadow: got %#x, want 0", v)
	}

	// read CR3 lands in the destination register.
	if err := m.Write(vmcs.GuestCR3, 0x5000); err != nil {
		t.Fatal(err)
	}

	stage(t, m, ops[1].access, 0)

	if _, err := r.Dispatch(m); err != nil {
		t.Fatal(err)
	}

	if m.Regs().RCX != 0x5000 {
		t.Errorf("RCX: got %#x, want 0x5000", m.Regs().RCX)
	}

	// write CR3 from RSP reads the guest-state field.
	if err := m.Write(vmcs.GuestRSP, 0x7000); err != nil {
		t.Fatal(err)
	}

	stage(t, m, ops[2].access, 0x7000)

	if _, err := r.Dispatch(m); err != nil {
		t.Fatal(err)
	}

	if v := read(t, m, vmcs.GuestCR3); v != 0x7000 {
		t.Errorf("GuestCR3: got %#x, want 0x7000", v)
	}
}

func TestOverride(t *testing.T) {
	t.Parallel()

	h, r := newHandler(t)
	m := vmcs.NewMemory()

	h.AddWrCR0Callback(cr.CallbackFunc(func(_ vmcs.VMCS, info *cr.Info) bool {
		info.Val |= vmcs.CR0xNE
		info.Shadow = info.Val &^ vmcs.CR0xNE

		return true
	}))

	stage(t, m, ops[0].access, vmcs.CR0xPE|vmcs.CR0xPG)

	if _, err := r.Dispatch(m); err != nil {
		t.Fatal(err)
	}

	if v := read(t, m, vmcs.GuestCR0); v != vmcs.CR0xPE|vmcs.CR0xPG|vmcs.CR0xNE {
		t.Errorf("GuestCR0: got %#x", v)
	}

	if v := read(t, m, vmcs.CR0ReadShadow); v != vmcs.CR0xPE|vmcs.CR0xPG {
		t.Errorf("CR0ReadShadow: got %#x", v)
	}
}

func TestIgnoreWrite(t *testing.T) {
	t.Parallel()

	for _, o := range ops {
		h, r := newHandler(t)
		m := vmcs.NewMemory()

		for f, val := range map[vmcs.Field]uint64{
			vmcs.GuestCR0:      0x11,
			vmcs.CR0ReadShadow: 0x22,
			vmcs.GuestCR3:      0x33000,
			vmcs.GuestCR4:      0x44,
			vmcs.CR4ReadShadow: 0x55,
		} {
			if err := m.Write(f, val); err != nil {
				t.Fatal(err)
			}
		}

		o.add(h, cr.CallbackFunc(func(_ vmcs.VMCS, info *cr.Info) bool {
			info.Val = 0xffff
			info.Shadow = 0xffff
			info.IgnoreWrite = true

			return true
		}))

		stage(t, m, o.access, 0x99)

		if ok, err := r.Dispatch(m); !ok || err != nil {
			t.Fatalf("%s: Dispatch: got (%v, %v), want (true, nil)", o.name, ok, err)
		}

		for f, want := range map[vmcs.Field]uint64{
			vmcs.GuestCR0:      0x11,
			vmcs.CR0ReadShadow: 0x22,
			vmcs.GuestCR3:      0x33000,
			vmcs.GuestCR4:      0x44,
			vmcs.CR4ReadShadow: 0x55,
		} {
			if got := read(t, m, f); got != want {
				t.Errorf("%s: %v: got %#x, want %#x", o.name, f, got, want)
			}
		}

		if got, _ := emulate.ReadGPR(m, o.access.GPR); got != 0x99 {
			t.Errorf("%s: %v: got %#x, want 0x99", o.name, o.access.GPR, got)
		}

		if rip(t, m) != guestRIP+insnLen {
			t.Errorf("%s: rip: got %#x, want %#x", o.name, rip(t, m), guestRIP+insnLen)
		}
	}
}

func TestIgnoreAdvance(t *testing.T) {
	t.Parallel()

	for _, o := range ops {
		h, r := newHandler(t)
		m := vmcs.NewMemory()

		o.add(h, cr.CallbackFunc(func(_ vmcs.VMCS, info *cr.Info) bool {
			info.IgnoreAdvance = true

			return true
		}))

		stage(t, m, o.access, 0x1000)

		if _, err := r.Dispatch(m); err != nil {
			t.Fatalf("%s: Dispatch: %v", o.name, err)
		}

		if rip(t, m) != guestRIP {
			t.Errorf("%s: rip: got %#x, want %#x", o.name, rip(t, m), guestRIP)
		}
	}
}

func TestEnableIdempotent(t *testing.T) {
	t.Parallel()

	h, _ := newHandler(t)
	m := vmcs.NewMemory()

	for i := 0; i < 2; i++ {
		if err := h.EnableWrCR0Exiting(m, 0xffffffff, 0x80000011); err != nil {
			t.Fatal(err)
		}

		if v := read(t, m, vmcs.CR0GuestHostMask); v != 0xffffffff {
			t.Errorf("CR0GuestHostMask: got %#x, want 0xffffffff", v)
		}

		if v := read(t, m, vmcs.CR0ReadShadow); v != 0x80000011 {
			t.Errorf("CR0ReadShadow: got %#x, want 0x80000011", v)
		}
	}

	if err := h.DisableWrCR0Exiting(m); err != nil {
		t.Fatal(err)
	}

	if v := read(t, m, vmcs.CR0GuestHostMask); v != 0 {
		t.Errorf("CR0GuestHostMask after disable: got %#x, want 0", v)
	}
}

func TestCR3Controls(t *testing.T) {
	t.Parallel()

	h, _ := newHandler(t)
	m := vmcs.NewMemory()

	if err := h.EnableRdCR3Exiting(m); err != nil {
		t.Fatal(err)
	}

	if err := h.EnableWrCR3Exiting(m); err != nil {
		t.Fatal(err)
	}

	if v := read(t, m, vmcs.ProcBasedControls); v != vmcs.ProcCR3LoadExiting|vmcs.ProcCR3StoreExiting {
		t.Fatalf("ProcBasedControls: got %#x", v)
	}

	if err := h.DisableRdCR3Exiting(m); err != nil {
		t.Fatal(err)
	}

	if v := read(t, m, vmcs.ProcBasedControls); v != vmcs.ProcCR3LoadExiting {
		t.Fatalf("ProcBasedControls: got %#x, want %#x", v, vmcs.ProcCR3LoadExiting)
	}

	if err := h.DisableWrCR3Exiting(m); err != nil {
		t.Fatal(err)
	}

	if v := read(t, m, vmcs.ProcBasedControls); v != 0 {
		t.Fatalf("ProcBasedControls: got %#x, want 0", v)
	}
}

func TestCLTSAndLMSW(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name       string
		access     vmcs.CRAccess
		cr0        uint64
		shadow     uint64
		wantCR0    uint64
		wantShadow uint64
	}{
		{
			name:       "CLTS",
			access:     vmcs.CRAccess{Number: 0, Type: vmcs.AccessCLTS},
			cr0:        vmcs.CR0xPE | vmcs.CR0xTS | vmcs.CR0xPG,
			shadow:     vmcs.CR0xTS,
			wantCR0:    vmcs.CR0xPE | vmcs.CR0xPG,
			wantShadow: 0,
		},
		{
			name:       "LMSWSetsLowBits",
			access:     vmcs.CRAccess{Number: 0, Type: vmcs.AccessLMSW, LMSWSource: 0xfffa},
			cr0:        vmcs.CR0xPG,
			shadow:     0,
			wantCR0:    vmcs.CR0xPG | vmcs.CR0xMP | vmcs.CR0xTS,
			wantShadow: vmcs.CR0xMP | vmcs.CR0xTS,
		},
		{
			name:       "LMSWKeepsPE",
			access:     vmcs.CRAccess{Number: 0, Type: vmcs.AccessLMSW, LMSWMemory: true, LMSWSource: 0x0},
			cr0:        vmcs.CR0xPE | vmcs.CR0xEM,
			shadow:     vmcs.CR0xPE,
			wantCR0:    vmcs.CR0xPE,
			wantShadow: vmcs.CR0xPE,
		},
	} {
		h, r := newHandler(t)
		m := vmcs.NewMemory()

		if err := m.Write(vmcs.GuestCR0, test.cr0); err != nil {
			t.Fatal(err)
		}

		if err := m.Write(vmcs.CR0ReadShadow, test.shadow); err != nil {
			t.Fatal(err)
		}

		calls := 0

		h.AddWrCR0Callback(cr.CallbackFunc(func(_ vmcs.VMCS, info *cr.Info) bool {
			calls++

			return false
		}))

		stage(t, m, test.access, 0)

		if _, err := r.Dispatch(m); err != nil {
			t.Fatalf("%s: Dispatch: %v", test.name, err)
		}

		if calls != 1 {
			t.Errorf("%s: calls: got %d, want 1", test.name, calls)
		}

		if v := read(t, m, vmcs.GuestCR0); v != test.wantCR0 {
			t.Errorf("%s: GuestCR0: got %#x, want %#x", test.name, v, test.wantCR0)
		}

		if v := read(t, m, vmcs.CR0ReadShadow); v != test.wantShadow {
			t.Errorf("%s: CR0ReadShadow: got %#x, want %#x", test.name, v, test.wantShadow)
		}
	}
}

func TestUnsupportedAccess(t *testing.T) {
	t.Parallel()

	for _, a := range []vmcs.CRAccess{
		{Number: 0, Type: vmcs.AccessMovFromCR},
		{Number: 3, Type: vmcs.AccessCLTS},
		{Number: 4, Type: vmcs.AccessMovFromCR},
		{Number: 4, Type: vmcs.AccessLMSW},
		{Number: 8, Type: vmcs.AccessMovToCR},
		{Number: 2, Type: vmcs.AccessMovToCR},
	} {
		_, r := newHandler(t)
		m := vmcs.NewMemory()

		stage(t, m, a, 0)

		ok, err := r.Dispatch(m)
		if ok || !errors.Is(err, vmcs.ErrUnsupportedAccess) {
			t.Errorf("%s cr%d: got (%v, %v), want (false, %v)", a.Type, a.Number, ok, err, vmcs.ErrUnsupportedAccess)
		}

		var uerr *cr.UnsupportedAccessError
		if !errors.As(err, &uerr) || uerr.Access != a {
			t.Errorf("%s cr%d: errors.As: got %v", a.Type, a.Number, err)
		}

		if rip(t, m) != guestRIP {
			t.Errorf("%s cr%d: rip moved to %#x", a.Type, a.Number, rip(t, m))
		}
	}
}

// TestWrCR0Scenario is a guest MOV to CR0 of 0x80050033 under a full mask
// with no callbacks registered.
func TestWrCR0Scenario(t *testing.T) {
	t.Parallel()

	h, r := newHandler(t)
	m := vmcs.NewMemory()

	if err := h.EnableWrCR0Exiting(m, 0xffffffff, 0x80000011); err != nil {
		t.Fatal(err)
	}

	stage(t, m, vmcs.CRAccess{Number: 0, Type: vmcs.AccessMovToCR, GPR: vmcs.RAX}, 0x80050033)

	if ok, err := r.Dispatch(m); !ok || err != nil {
		t.Fatalf("Dispatch: got (%v, %v), want (true, nil)", ok, err)
	}

	if v := read(t, m, vmcs.GuestCR0); v != 0x80050033 {
		t.Errorf("GuestCR0: got %#x, want 0x80050033", v)
	}

	if v := read(t, m, vmcs.CR0ReadShadow); v != 0x80000011 {
		t.Errorf("CR0ReadShadow: got %#x, want 0x80000011", v)
	}

	if rip(t, m) != guestRIP+insnLen {
		t.Errorf("rip: got %#x, want %#x", rip(t, m), guestRIP+insnLen)
	}

	if l := h.Log(cr.CR0); len(l) != 0 {
		t.Errorf("Log(cr0): got %v, want empty", l)
	}
}

func TestLog(t *testing.T) {
	t.Parallel()

	if !debug.Enabled {
		t.Skip("instrumentation not compiled in")
	}

	var buf bytes.Buffer

	h, r := newHandler(t, cr.WithLog(true), cr.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	m := vmcs.NewMemory()

	if err := h.EnableWrCR0Exiting(m, 0xffffffff, 0x80000011); err != nil {
		t.Fatal(err)
	}

	for _, val := range []uint64{0x80050033, 0x80000011} {
		stage(t, m, ops[0].access, val)

		if _, err := r.Dispatch(m); err != nil {
			t.Fatal(err)
		}
	}

	stage(t, m, ops[2].access, 0x9000)

	if _, err := r.Dispatch(m); err != nil {
		t.Fatal(err)
	}

	// not logged while switched off.
	h.EnableLog(false)
	stage(t, m, ops[2].access, 0xa000)

	if _, err := r.Dispatch(m); err != nil {
		t.Fatal(err)
	}

	wantCR0 := []cr.Record{{Val: 0x80050033, Shadow: 0x80000011}, {Val: 0x80000011, Shadow: 0x80000011}}
	if got := h.Log(cr.CR0); !reflect.DeepEqual(got, wantCR0) {
		t.Errorf("Log(cr0): got %v, want %v", got, wantCR0)
	}

	wantCR3 := []cr.Record{{Val: 0x9000}}
	if got := h.Log(cr.CR3); !reflect.DeepEqual(got, wantCR3) {
		t.Errorf("Log(cr3): got %v, want %v", got, wantCR3)
	}

	buf.Reset()
	h.DumpLog()

	type line struct {
		Msg    string `json:"msg"`
		Reg    string `json:"reg"`
		Val    string `json:"val"`
		Shadow string `json:"shadow"`
	}

	var got []line

	dec := json.NewDecoder(&buf)
	for dec.More() {
		var l line
		if err := dec.Decode(&l); err != nil {
			t.Fatal(err)
		}

		if l.Msg == "control register record" {
			got = append(got, l)
		}
	}

	want := []line{
		{Msg: "control register record", Reg: "cr0", Val: "0x80050033", Shadow: "0x80000011"},
		{Msg: "control register record", Reg: "cr0", Val: "0x80000011", Shadow: "0x80000011"},
		{Msg: "control register record", Reg: "cr3", Val: "0x9000", Shadow: "0x0"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DumpLog: got %+v, want %+v", got, want)
	}
}
