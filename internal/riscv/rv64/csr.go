package rv64

import (
	"log/slog"

	"github.com/Uotan-Dev/uotan-riscv-emu-ng/internal/debug"
)

// trapStormThreshold is the number of consecutive traps with an identical
// cause after which HandleTrap logs a warning instead of silently looping
// (e.g. a guest stuck re-raising the same page fault).
const trapStormThreshold = 1000

// csrKind tags the behavior a CSR address exposes to the checked
// read/write path. Every address in the 4096-entry space resolves to
// exactly one kind.
type csrKind uint8

const (
	csrUnimplemented csrKind = iota // any checked access raises illegal-instruction
	csrHardwired                    // reads return a fixed value; writes are ignored
	csrNormal                       // value stored, masked on read/write
	csrReadOnly                     // reads return the stored value; writes trap
	csrShadow                       // a masked view onto another CSR
)

// csrDef describes one CSR address's behavior. read/write are nil for
// kinds that don't need them (csrUnimplemented never calls either).
type csrDef struct {
	kind    csrKind
	minPriv uint8
	read    func(cpu *CPU) uint64
	write   func(cpu *CPU, v uint64)
	// gate runs after the privilege check; if it returns false the
	// access raises illegal-instruction. Used by the counter CSRs,
	// whose visibility also depends on mcounteren/scounteren.
	gate func(cpu *CPU) bool
}

var csrTable [4096]csrDef

func init() {
	for i := range csrTable {
		csrTable[i] = csrDef{kind: csrUnimplemented}
	}

	hardwired := func(addr uint16, priv uint8, v uint64) {
		csrTable[addr] = csrDef{
			kind:    csrHardwired,
			minPriv: priv,
			read:    func(*CPU) uint64 { return v },
		}
	}
	normal := func(addr uint16, priv uint8, read func(*CPU) uint64, write func(*CPU, uint64)) {
		csrTable[addr] = csrDef{kind: csrNormal, minPriv: priv, read: read, write: write}
	}
	readOnly := func(addr uint16, priv uint8, read func(*CPU) uint64) {
		csrTable[addr] = csrDef{kind: csrReadOnly, minPriv: priv, read: read}
	}
	shadow := func(addr uint16, priv uint8, read func(*CPU) uint64, write func(*CPU, uint64)) {
		csrTable[addr] = csrDef{kind: csrShadow, minPriv: priv, read: read, write: write}
	}

	// Floating point
	normal(CSRFflags, PrivUser,
		func(cpu *CPU) uint64 { return uint64(cpu.Fflags) },
		func(cpu *CPU, v uint64) { cpu.Fflags = uint8(v & 0x1f) })
	normal(CSRFrm, PrivUser,
		func(cpu *CPU) uint64 { return uint64(cpu.Frm) },
		func(cpu *CPU, v uint64) { cpu.Frm = uint8(v & 0x7) })
	normal(CSRFcsr, PrivUser,
		func(cpu *CPU) uint64 { return uint64(cpu.Fflags) | uint64(cpu.Frm)<<5 },
		func(cpu *CPU, v uint64) {
			cpu.Fflags = uint8(v & 0x1f)
			cpu.Frm = uint8((v >> 5) & 0x7)
		})

	// User-visible counter shadows, gated by [ms]counteren.
	shadow(CSRCycle, PrivUser, func(cpu *CPU) uint64 { return cpu.Cycle }, nil)
	csrTable[CSRCycle].gate = counterGate(CounterenCY)
	shadow(CSRTime, PrivUser, func(cpu *CPU) uint64 {
		if cpu.TimeSource != nil {
			return cpu.TimeSource()
		}
		return 0
	}, nil)
	csrTable[CSRTime].gate = counterGate(CounterenTM)
	shadow(CSRInstret, PrivUser, func(cpu *CPU) uint64 { return cpu.Instret }, nil)
	csrTable[CSRInstret].gate = counterGate(CounterenIR)
	for addr := CSRHpmcounter3; addr <= CSRHpmcounter31; addr++ {
		hardwired(addr, PrivUser, 0)
	}

	// Supervisor CSRs
	shadow(CSRSstatus, PrivSupervisor, (*CPU).readSstatus, (*CPU).writeSstatus)
	normal(CSRSenvcfg, PrivSupervisor,
		func(cpu *CPU) uint64 { return 0 },
		func(cpu *CPU, v uint64) {})
	shadow(CSRSie, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Mie & cpu.Mideleg },
		func(cpu *CPU, v uint64) { cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (v & cpu.Mideleg) })
	normal(CSRStvec, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Stvec },
		func(cpu *CPU, v uint64) { cpu.Stvec = writeTvec(cpu.Stvec, v) })
	normal(CSRScounteren, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Scounteren },
		func(cpu *CPU, v uint64) { cpu.Scounteren = v & (CounterenCY | CounterenTM | CounterenIR) })
	normal(CSRSscratch, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Sscratch },
		func(cpu *CPU, v uint64) { cpu.Sscratch = v })
	normal(CSRSepc, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Sepc },
		func(cpu *CPU, v uint64) { cpu.Sepc = v &^ 1 })
	normal(CSRScause, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Scause },
		func(cpu *CPU, v uint64) {
			if isValidSCause(v) {
				cpu.Scause = v
			}
		})
	normal(CSRStval, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Stval },
		func(cpu *CPU, v uint64) { cpu.Stval = v })
	shadow(CSRSip, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Mip & cpu.Mideleg },
		func(cpu *CPU, v uint64) {
			mask := MipSSIP & cpu.Mideleg
			if cpu.Menvcfg&MenvcfgSTCE == 0 {
				mask |= MipSTIP & cpu.Mideleg
			}
			cpu.Mip = (cpu.Mip &^ mask) | (v & mask)
		})
	normal(CSRStimecmp, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Stimecmp },
		func(cpu *CPU, v uint64) { cpu.Stimecmp = v })
	normal(CSRSatp, PrivSupervisor,
		func(cpu *CPU) uint64 { return cpu.Satp },
		(*CPU).writeSatp)

	// Machine CSRs
	normal(CSRMstatus, PrivMachine, func(cpu *CPU) uint64 { return cpu.Mstatus }, (*CPU).writeMstatus)
	// misa is WARL: csrrw/csrrs/csrrc against it are no-ops, not traps.
	csrTable[CSRMisa] = csrDef{
		kind:    csrHardwired,
		minPriv: PrivMachine,
		read:    func(cpu *CPU) uint64 { return cpu.Misa },
	}
	normal(CSRMedeleg, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Medeleg },
		func(cpu *CPU, v uint64) { cpu.Medeleg = v & medelegWritable })
	normal(CSRMideleg, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mideleg },
		func(cpu *CPU, v uint64) { cpu.Mideleg = v & (MipSSIP | MipSTIP | MipSEIP) })
	normal(CSRMie, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mie },
		func(cpu *CPU, v uint64) {
			cpu.Mie = v & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
		})
	normal(CSRMtvec, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mtvec },
		func(cpu *CPU, v uint64) { cpu.Mtvec = writeTvec(cpu.Mtvec, v) })
	normal(CSRMcounteren, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mcounteren },
		func(cpu *CPU, v uint64) { cpu.Mcounteren = v & (CounterenCY | CounterenTM | CounterenIR) })
	normal(CSRMenvcfg, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Menvcfg },
		func(cpu *CPU, v uint64) {
			cpu.Menvcfg = v & (MenvcfgFIOM | MenvcfgADUE | MenvcfgSTCE)
		})
	normal(CSRMcountinhibit, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mcountinhibit },
		func(cpu *CPU, v uint64) { cpu.Mcountinhibit = v & 0x7 })
	normal(CSRMscratch, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mscratch },
		func(cpu *CPU, v uint64) { cpu.Mscratch = v })
	normal(CSRMepc, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mepc },
		func(cpu *CPU, v uint64) { cpu.Mepc = v &^ 1 })
	normal(CSRMcause, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mcause },
		func(cpu *CPU, v uint64) {
			if isValidCause(v) {
				cpu.Mcause = v
			}
		})
	normal(CSRMtval, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mtval },
		func(cpu *CPU, v uint64) { cpu.Mtval = v })
	normal(CSRMip, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Mip },
		func(cpu *CPU, v uint64) {
			mask := uint64(MipSSIP | MipSEIP)
			if cpu.Menvcfg&MenvcfgSTCE == 0 {
				mask |= MipSTIP
			}
			cpu.Mip = (cpu.Mip &^ mask) | (v & mask)
		})
	normal(CSRMcycle, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Cycle },
		func(cpu *CPU, v uint64) { cpu.Cycle = v })
	normal(CSRMinstret, PrivMachine,
		func(cpu *CPU) uint64 { return cpu.Instret },
		func(cpu *CPU, v uint64) {
			cpu.Instret = v
			cpu.instretWriteSuppressesIncrement = true
		})
	for addr := CSRMhpmcounter3; addr <= CSRMhpmcounter31; addr++ {
		hardwired(addr, PrivMachine, 0)
	}
	for addr := CSRMhpmevent3; addr <= CSRMhpmevent31; addr++ {
		hardwired(addr, PrivMachine, 0)
	}

	// Identification CSRs live in the read-only address range: a write
	// raises illegal-instruction rather than being silently dropped like
	// a hardwired CSR. Values match the construction-time values the
	// original source assigns (all zero except mimpid).
	readOnly(CSRMvendorid, PrivMachine, func(*CPU) uint64 { return 0 })
	readOnly(CSRMarchid, PrivMachine, func(*CPU) uint64 { return 0 })
	readOnly(CSRMimpid, PrivMachine, func(*CPU) uint64 { return 0x10 })
	readOnly(CSRMconfigptr, PrivMachine, func(*CPU) uint64 { return 0 })
	hardwired(CSRMhartid, PrivMachine, 0)

	// PMP: no physical memory protection regions implemented; present
	// as hardwired zero so guest boot code that probes them (Linux
	// always does) does not trap.
	for addr := CSRPmpcfg0; addr <= CSRPmpcfg15; addr++ {
		hardwired(addr, PrivMachine, 0)
	}
	for addr := CSRPmpaddr0; addr <= CSRPmpaddr63; addr++ {
		hardwired(addr, PrivMachine, 0)
	}

	// Debug triggers: no trigger module implemented; tselect reading
	// back its own write (rather than a fixed 0) would advertise at
	// least one trigger, so it is hardwired to 0 and tdata1..3 read 0.
	hardwired(CSRTselect, PrivMachine, 0)
	for addr := CSRTdata1; addr <= CSRTdata3; addr++ {
		hardwired(addr, PrivMachine, 0)
	}
}

func counterGate(bit uint64) func(cpu *CPU) bool {
	return func(cpu *CPU) bool {
		if cpu.Priv == PrivMachine {
			return true
		}
		if cpu.Mcounteren&bit == 0 {
			return false
		}
		if cpu.Priv == PrivUser && cpu.Scounteren&bit == 0 {
			return false
		}
		return true
	}
}

// medelegWritable excludes bit 11 (ECALL-from-M) and reserved bit 16
// (double trap, not implemented); both read as zero.
const medelegWritable = (1<<0 | 1<<1 | 1<<2 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<7 |
	1<<8 | 1<<9 | 1<<12 | 1<<13 | 1<<15)

func isValidCause(v uint64) bool {
	if v>>63 != 0 {
		code := v & 0x7fffffffffffffff
		switch code {
		case 1, 3, 5, 7, 9, 11:
			return true
		}
		return false
	}
	switch v {
	case CauseInsnAddrMisaligned, CauseInsnAccessFault, CauseIllegalInsn,
		CauseBreakpoint, CauseLoadAddrMisaligned, CauseLoadAccessFault,
		CauseStoreAddrMisaligned, CauseStoreAccessFault, CauseEcallFromU,
		CauseEcallFromS, CauseEcallFromM, CauseInsnPageFault, CauseLoadPageFault,
		CauseStorePageFault:
		return true
	}
	return false
}

// isValidSCause additionally rejects M-only codes, which scause can
// never legally hold since the trap that would have produced them is
// never delegated to S-mode.
func isValidSCause(v uint64) bool {
	if !isValidCause(v) {
		return false
	}
	if v>>63 != 0 {
		code := v & 0x7fffffffffffffff
		return code != 3 && code != 7 && code != 11 // MSI, MTI, MEI
	}
	return v != CauseEcallFromM
}

// writeTvec applies mtvec/stvec's WARL mode field: only direct (0) and
// vectored (1) are legal; any other write is a no-op.
func writeTvec(old, v uint64) uint64 {
	if mode := v & 3; mode > 1 {
		return old
	}
	return v
}

// csrRead reads a CSR value through the checked path.
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	def := &csrTable[csr]
	if def.kind == csrUnimplemented {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	if uint16(cpu.Priv) < uint16(def.minPriv) {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	if def.gate != nil && !def.gate(cpu) {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	return def.read(cpu), nil
}

// csrWrite writes a CSR value through the checked path.
func (cpu *CPU) csrWrite(csr uint16, val uint64) error {
	def := &csrTable[csr]
	if def.kind == csrUnimplemented {
		return Exception(CauseIllegalInsn, 0)
	}
	if uint16(cpu.Priv) < uint16(def.minPriv) {
		return Exception(CauseIllegalInsn, 0)
	}
	if def.gate != nil && !def.gate(cpu) {
		return Exception(CauseIllegalInsn, 0)
	}
	switch def.kind {
	case csrReadOnly:
		return Exception(CauseIllegalInsn, 0)
	case csrHardwired:
		return nil
	default:
		def.write(cpu, val)
		return nil
	}
}

// Sstatus mask - bits visible in sstatus
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusSUM | MstatusMXR | MstatusSD

// readSstatus reads the sstatus view of mstatus
func (cpu *CPU) readSstatus() uint64 {
	return cpu.Mstatus & sstatusMask
}

// writeSstatus writes the sstatus view of mstatus
func (cpu *CPU) writeSstatus(val uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

// writeMstatus writes mstatus with proper masking
func (cpu *CPU) writeMstatus(val uint64) {
	// Writable bits in mstatus
	const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusFS | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	cpu.Mstatus = (cpu.Mstatus &^ mstatusMask) | (val & mstatusMask)

	// Update SD bit based on FS
	if (cpu.Mstatus & MstatusFS) == MstatusFS {
		cpu.Mstatus |= MstatusSD
	} else {
		cpu.Mstatus &^= MstatusSD
	}
}

// writeSatp implements satp's WARL mode field: an unsupported mode
// leaves the CSR untouched; a successful mode change flushes the MMU's
// translation cache.
func (cpu *CPU) writeSatp(val uint64) {
	mode := (val >> 60) & 0xf
	if mode != SatpModeOff && mode != SatpModeSv39 {
		return
	}
	oldMode := (cpu.Satp >> 60) & 0xf
	cpu.Satp = val
	if oldMode != mode && cpu.MMU != nil {
		cpu.MMU.FlushTLB()
	}
}

// CheckInterrupt checks if there's a pending interrupt that should be taken,
// in priority order MEI > MSI > MTI > SEI > SSI > STI.
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return false, 0
	}

	mPending := pending &^ cpu.Mideleg
	sPending := pending & cpu.Mideleg

	mEnabled := cpu.Priv < PrivMachine || (cpu.Priv == PrivMachine && cpu.Mstatus&MstatusMIE != 0)
	sEnabled := cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusSIE != 0)

	if mEnabled {
		switch {
		case mPending&MipMEIP != 0:
			return true, CauseMExternalInt
		case mPending&MipMSIP != 0:
			return true, CauseMSoftwareInt
		case mPending&MipMTIP != 0:
			return true, CauseMTimerInt
		}
	}
	if sEnabled {
		switch {
		case sPending&MipSEIP != 0:
			return true, CauseSExternalInt
		case sPending&MipSSIP != 0:
			return true, CauseSSoftwareInt
		case sPending&MipSTIP != 0:
			return true, CauseSTimerInt
		}
	}

	return false, 0
}

// HandleTrap handles a trap (exception or interrupt)
func (cpu *CPU) HandleTrap(cause uint64, tval uint64) {
	isInterrupt := (cause >> 63) != 0
	exceptionCode := cause & 0x7fffffffffffffff

	debug.WithSource("rv64").Writef("trap cause=0x%x tval=0x%x pc=0x%x priv=%d", cause, tval, cpu.PC, cpu.Priv)

	if cause == cpu.lastTrapCause {
		cpu.trapRepeat++
		if cpu.trapRepeat == trapStormThreshold {
			slog.Warn("trap storm detected", "cause", cause, "tval", tval, "pc", cpu.PC, "repeats", cpu.trapRepeat)
		}
	} else {
		cpu.lastTrapCause = cause
		cpu.trapRepeat = 1
	}

	// Determine if trap should be delegated to S-mode
	delegateToS := false
	if cpu.Priv <= PrivSupervisor {
		if isInterrupt {
			delegateToS = cpu.Mideleg&(1<<exceptionCode) != 0
		} else {
			delegateToS = cpu.Medeleg&(1<<exceptionCode) != 0
		}
	}

	if delegateToS {
		// Trap to S-mode
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		// Save current SIE to SPIE
		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}

		// Clear SIE
		cpu.Mstatus &^= MstatusSIE

		// Save current privilege to SPP
		if cpu.Priv == PrivSupervisor {
			cpu.Mstatus |= MstatusSPP
		} else {
			cpu.Mstatus &^= MstatusSPP
		}

		// Set privilege to Supervisor
		cpu.Priv = PrivSupervisor

		// Jump to stvec
		if (cpu.Stvec&1) == 1 && isInterrupt {
			// Vectored mode for interrupts
			cpu.PC = (cpu.Stvec &^ 1) + 4*exceptionCode
		} else {
			cpu.PC = cpu.Stvec &^ 3
		}
	} else {
		// Trap to M-mode
		cpu.Mepc = cpu.PC
		cpu.Mcause = cause
		cpu.Mtval = tval

		// Save current MIE to MPIE
		if cpu.Mstatus&MstatusMIE != 0 {
			cpu.Mstatus |= MstatusMPIE
		} else {
			cpu.Mstatus &^= MstatusMPIE
		}

		// Clear MIE
		cpu.Mstatus &^= MstatusMIE

		// Save current privilege to MPP
		cpu.Mstatus &^= MstatusMPP
		cpu.Mstatus |= uint64(cpu.Priv) << MstatusMPPShift

		// Set privilege to Machine
		cpu.Priv = PrivMachine

		// Jump to mtvec
		if (cpu.Mtvec&1) == 1 && isInterrupt {
			// Vectored mode for interrupts
			cpu.PC = (cpu.Mtvec &^ 1) + 4*exceptionCode
		} else {
			cpu.PC = cpu.Mtvec &^ 3
		}
	}
}
