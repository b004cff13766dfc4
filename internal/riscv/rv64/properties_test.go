package rv64

import "testing"

// Instruction encoders used only by these tests. Hand-assembling the
// handful of forms exercised here (R/S/CSR/AMO) is less error-prone than
// copying hex from an assembler listing, given how many of them carry a
// CSR address or an AMO funct5 in the high bits.

func encR(op, f3, f7, rd, rs1, rs2 uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encS(op, f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm) & 0xfff
	return ((u>>5)&0x7f)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u&0x1f)<<7 | op
}

func encCSR(f3, rd, rs1 uint32, csr uint16) uint32 {
	return uint32(csr)<<20 | rs1<<15 | f3<<12 | rd<<7 | OpSystem
}

func encAMO(f3, f5, rd, rs1, rs2 uint32) uint32 {
	return f5<<27 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | OpAMO
}

// --- property 6: CSR permission gate ---

func TestCSRPermissionGate(t *testing.T) {
	m := mustMachine(t, 4096, nil)

	for _, priv := range []uint8{PrivUser, PrivSupervisor} {
		m.CPU.Priv = priv
		if _, err := m.CPU.csrRead(CSRMstatus); err == nil {
			t.Errorf("priv=%d: csrRead(mstatus) succeeded, want illegal-instruction", priv)
		}
		if err := m.CPU.csrWrite(CSRMstatus, 0); err == nil {
			t.Errorf("priv=%d: csrWrite(mstatus) succeeded, want illegal-instruction", priv)
		}
	}

	m.CPU.Priv = PrivMachine
	if _, err := m.CPU.csrRead(CSRMstatus); err != nil {
		t.Errorf("priv=M: csrRead(mstatus) failed: %v", err)
	}
}

func TestCSRUnimplementedTraps(t *testing.T) {
	m := mustMachine(t, 4096, nil)
	m.CPU.Priv = PrivMachine

	const unimplemented uint16 = 0x000
	if _, err := m.CPU.csrRead(unimplemented); err == nil {
		t.Errorf("csrRead(0x000) succeeded, want illegal-instruction")
	}
	if err := m.CPU.csrWrite(unimplemented, 0); err == nil {
		t.Errorf("csrWrite(0x000) succeeded, want illegal-instruction")
	}
}

// --- scenario E7: misa is a hardwired no-op, mvendorid traps on write ---

func TestMisaWriteIsNoOpMvendoridTraps(t *testing.T) {
	m := mustMachine(t, 4096, nil)
	m.CPU.Priv = PrivMachine
	before := m.CPU.Misa

	m.CPU.X[11] = 0 // a1: attempted new misa value
	if err := m.CPU.Execute(encCSR(1, 0, 11, CSRMisa)); err != nil {
		t.Fatalf("csrrw x0, misa, a1: unexpected error: %v", err)
	}
	if m.CPU.Misa != before {
		t.Errorf("misa changed by csrrw: got 0x%x, want 0x%x", m.CPU.Misa, before)
	}

	err := m.CPU.Execute(encCSR(1, 0, 11, CSRMvendorid))
	exc, ok := err.(ExceptionError)
	if !ok || exc.Cause != CauseIllegalInsn {
		t.Errorf("csrrw x0, mvendorid, a1: got %v, want illegal-instruction", err)
	}
}

// Regression test for the execSystem read-skip: csrrw with rd==x0 must
// not observe the CSR's read side effect.
func TestCSRRWSkipsReadWhenRdIsZero(t *testing.T) {
	const probeAddr uint16 = 0x000 // unimplemented slot, repurposed for this test only
	reads := 0
	saved := csrTable[probeAddr]
	csrTable[probeAddr] = csrDef{
		kind: csrNormal,
		read: func(cpu *CPU) uint64 {
			reads++
			return 0xdead
		},
		write: func(cpu *CPU, v uint64) {},
	}
	defer func() { csrTable[probeAddr] = saved }()

	m := mustMachine(t, 4096, nil)
	m.CPU.X[11] = 7 // a1: value to write

	if err := m.CPU.Execute(encCSR(1, 0, 11, probeAddr)); err != nil {
		t.Fatalf("csrrw x0, probe, a1: %v", err)
	}
	if reads != 0 {
		t.Errorf("csrrw with rd=x0 read the CSR %d time(s), want 0", reads)
	}
}

// --- property 8: trap delegation ---

func TestTrapDelegation(t *testing.T) {
	m := mustMachine(t, 4096, nil)
	m.CPU.Mtvec = 0x1000
	m.CPU.Stvec = 0x2000
	m.CPU.PC = RAMBase

	m.CPU.Priv = PrivUser
	m.CPU.Medeleg = 1 << CauseIllegalInsn
	m.CPU.HandleTrap(CauseIllegalInsn, 0xbad)

	if m.CPU.Priv != PrivSupervisor {
		t.Errorf("priv after delegated trap: got %d, want S", m.CPU.Priv)
	}
	if m.CPU.PC != m.CPU.Stvec {
		t.Errorf("pc after delegated trap: got 0x%x, want stvec 0x%x", m.CPU.PC, m.CPU.Stvec)
	}
	if m.CPU.Scause != CauseIllegalInsn || m.CPU.Stval != 0xbad {
		t.Errorf("scause/stval after delegated trap: got 0x%x/0x%x", m.CPU.Scause, m.CPU.Stval)
	}

	m.CPU.Priv = PrivUser
	m.CPU.PC = RAMBase
	m.CPU.Medeleg = 0
	m.CPU.HandleTrap(CauseIllegalInsn, 0xbad)

	if m.CPU.Priv != PrivMachine {
		t.Errorf("priv after undelegated trap: got %d, want M", m.CPU.Priv)
	}
	if m.CPU.PC != m.CPU.Mtvec {
		t.Errorf("pc after undelegated trap: got 0x%x, want mtvec 0x%x", m.CPU.PC, m.CPU.Mtvec)
	}
}

// --- property 9: interrupt priority ---

func TestInterruptPriority(t *testing.T) {
	m := mustMachine(t, 4096, nil)
	m.CPU.Priv = PrivMachine
	m.CPU.Mstatus |= MstatusMIE
	m.CPU.Mie = MipMEIP | MipMSIP | MipMTIP | MipSEIP | MipSSIP | MipSTIP
	m.CPU.Mip = MipMSIP | MipMTIP | MipSEIP

	if ok, cause := m.CPU.CheckInterrupt(); !ok || cause != CauseMSoftwareInt {
		t.Errorf("got ok=%v cause=0x%x, want MSI (MEI not yet pending)", ok, cause)
	}

	m.CPU.Mip |= MipMEIP
	if ok, cause := m.CPU.CheckInterrupt(); !ok || cause != CauseMExternalInt {
		t.Errorf("got ok=%v cause=0x%x, want MEI", ok, cause)
	}
}

// --- scenario E4: Sv39 identity under Bare ---

func TestSv39IdentityUnderBare(t *testing.T) {
	m := mustMachine(t, 1<<20, nil)
	m.CPU.Priv = PrivSupervisor
	m.CPU.Satp = SatpModeOff

	addr := RAMBase + 0x1000
	if err := m.Bus.Write8(addr, 0xAB); err != nil {
		t.Fatalf("write: %v", err)
	}

	paddr, err := m.MMU.TranslateRead(addr)
	if err != nil {
		t.Fatalf("TranslateRead: %v", err)
	}
	if paddr != addr {
		t.Errorf("bare-mode translation: got 0x%x, want identity 0x%x", paddr, addr)
	}

	val, err := m.Bus.Read8(paddr)
	if err != nil {
		t.Fatalf("read via translated address: %v", err)
	}
	if val != 0xAB {
		t.Errorf("read via translated address: got 0x%x, want 0xab", val)
	}
}

// --- scenario E5: Sv39 non-identity translation ---

func TestSv39Translation(t *testing.T) {
	m := mustMachine(t, 4*1024*1024, nil)

	const (
		rootPA   uint64 = RAMBase + 0x1000
		level1PA uint64 = RAMBase + 0x2000
		level0PA uint64 = RAMBase + 0x3000
		leafPA   uint64 = 0x8010_0000
		va       uint64 = 0xC000_0000
	)

	write := func(addr, pte uint64) {
		if err := m.Bus.Write64(addr, pte); err != nil {
			t.Fatalf("write PTE at 0x%x: %v", addr, err)
		}
	}

	vpn2 := (va >> 30) & 0x1ff
	vpn1 := (va >> 21) & 0x1ff
	vpn0 := (va >> 12) & 0x1ff

	write(rootPA+vpn2*8, ((level1PA>>12)<<10)|PteV)
	write(level1PA+vpn1*8, ((level0PA>>12)<<10)|PteV)
	write(level0PA+vpn0*8, ((leafPA>>12)<<10)|PteV|PteR|PteW|PteX|PteA)

	m.CPU.Priv = PrivSupervisor
	m.CPU.Satp = (uint64(SatpModeSv39) << 60) | (rootPA >> 12)

	const want uint64 = 0xCAFEBABEDEADC0DE
	if err := m.Bus.Write64(leafPA, want); err != nil {
		t.Fatalf("write via physical alias: %v", err)
	}

	paddr, err := m.MMU.TranslateRead(va)
	if err != nil {
		t.Fatalf("TranslateRead(0x%x): %v", va, err)
	}
	got, err := m.Bus.Read64(paddr)
	if err != nil {
		t.Fatalf("read via virtual alias: %v", err)
	}
	if got != want {
		t.Errorf("read via virtual alias: got 0x%x, want 0x%x", got, want)
	}
}

// --- scenario E3: LR/SC reservation lost to an intervening plain store ---

func TestLRSCLosesReservationOnIntermediateStore(t *testing.T) {
	m := mustMachine(t, 4096, nil)
	addr := RAMBase + 0x100
	m.CPU.X[10] = addr // a0

	lrd := encAMO(0b011, 0b00010, 1, 10, 0) // lr.d x1, (a0)
	sd := encS(OpStore, 0b011, 10, 0, 0)    // sd x0, 0(a0)
	scd := encAMO(0b011, 0b00011, 2, 10, 0) // sc.d x2, x0, (a0)

	if err := m.CPU.Execute(lrd); err != nil {
		t.Fatalf("lr.d: %v", err)
	}
	if !m.CPU.ReservationValid {
		t.Fatalf("lr.d did not set a reservation")
	}

	if err := m.CPU.Execute(sd); err != nil {
		t.Fatalf("sd: %v", err)
	}

	if err := m.CPU.Execute(scd); err != nil {
		t.Fatalf("sc.d: %v", err)
	}
	if m.CPU.X[2] != 1 {
		t.Errorf("sc.d after intervening store to the reserved address: got %d, want 1 (failure)", m.CPU.X[2])
	}
}

// --- scenario E2: divw INT32_MIN / -1 ---

func TestDivwIntMinDivNegOne(t *testing.T) {
	m := mustMachine(t, 4096, nil)
	m.CPU.X[10] = 0x8000_0000 // a0
	m.CPU.X[11] = 0xFFFF_FFFF // a1

	insn := encR(OpOp32, 0b100, 0b0000001, 12, 10, 11) // divw a2, a0, a1
	if err := m.CPU.Execute(insn); err != nil {
		t.Fatalf("divw: %v", err)
	}

	const want uint64 = 0xFFFF_FFFF_8000_0000
	if m.CPU.X[12] != want {
		t.Errorf("divw overflow case: got 0x%x, want 0x%x", m.CPU.X[12], want)
	}
}

// --- scenario E1: sign-extension laws ---

func TestSignExtensionLaws(t *testing.T) {
	cases := []struct {
		val  uint64
		bits int
		want int64
	}{
		{0x800, 12, -2048},
		{0x7FF, 12, 2047},
		{0xFFFFFFFF, 32, -1},
	}
	for _, c := range cases {
		got := signExtend(c.val, c.bits)
		if got != c.want {
			t.Errorf("signExtend(0x%x, %d): got %d, want %d", c.val, c.bits, got, c.want)
		}
		if again := signExtend(uint64(got), 64); again != got {
			t.Errorf("signExtend(signExtend(0x%x, %d), 64): got %d, want %d", c.val, c.bits, again, got)
		}
	}
}

// --- property 10: mtimecmp edge ---

func TestMtimecmpEdge(t *testing.T) {
	m := mustMachine(t, 4096, nil)

	if err := m.Bus.Write64(CLINTBase+CLINTMtimecmp, ^uint64(0)); err != nil {
		t.Fatalf("write mtimecmp: %v", err)
	}
	m.CLINT.Tick()
	if m.CPU.Mip&MipMTIP != 0 {
		t.Errorf("MTIP set with mtime < mtimecmp")
	}

	if err := m.Bus.Write64(CLINTBase+CLINTMtimecmp, 0); err != nil {
		t.Fatalf("write mtimecmp: %v", err)
	}
	m.CLINT.Tick()
	if m.CPU.Mip&MipMTIP == 0 {
		t.Errorf("MTIP clear after mtime reached mtimecmp")
	}

	if err := m.Bus.Write64(CLINTBase+CLINTMtimecmp, ^uint64(0)); err != nil {
		t.Fatalf("write mtimecmp: %v", err)
	}
	m.CLINT.Tick()
	if m.CPU.Mip&MipMTIP != 0 {
		t.Errorf("MTIP still set after writing a larger mtimecmp")
	}
}
