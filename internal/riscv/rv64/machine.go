package rv64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Uotan-Dev/uotan-riscv-emu-ng/internal/debug"
)

// clintTickPeriod is how often the controller advances CLINT's view
// of mtime. It has no bearing on simulated time, which CLINT derives
// from the host clock; it only bounds how stale mtimecmp comparisons
// (and therefore timer-interrupt latency) can get.
const clintTickPeriod = 100 * time.Microsecond

// ErrHalt is returned when the machine is halted
var ErrHalt = errors.New("machine halted")

// hostShutdownCheckInterval is how many worker iterations elapse
// between checks of the host-initiated shutdown flag. The
// guest-initiated flag is checked every iteration since it is the
// path a well-behaved guest uses to end the run; the host flag is
// checked far less often because it is only ever set once, by the
// controller noticing ctx is done.
const hostShutdownCheckInterval = 65536

// Machine represents a complete RV64GC system
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	PLIC  *PLIC

	// Debug output
	DebugOutput io.Writer

	// Halt flag
	halted atomic.Bool

	// Stop on write to address 0
	stopOnZero bool

	// Instruction count for yielding
	instructionCount uint64

	// guestShutdown is set by the SiFiveTest device when the guest
	// writes a recognised status to the shutdown register.
	guestShutdown atomic.Bool
	// hostShutdown is set by Run's controller loop when ctx is done.
	hostShutdown atomic.Bool

	shutdownMu     sync.Mutex
	ShutdownCode   uint16
	ShutdownStatus uint16

	// startOnce signals the controller that the worker goroutine has
	// begun running, mirroring the one-shot startup handshake between
	// the two threads.
	started   chan struct{}
	startOnce sync.Once
}

// NewMachine creates a new RV64GC machine. It returns an error if the
// platform's device map is internally inconsistent (overlapping
// mappings), which would indicate a bug in this constructor rather
// than anything a caller did.
func NewMachine(ramSize uint64, output io.Writer, input io.Reader) (*Machine, error) {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	mmu := NewMMU(cpu)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)

	cpu.MMU = mmu
	cpu.TimeSource = clint.GetMtime

	m := &Machine{
		CPU:     cpu,
		Bus:     bus,
		MMU:     mmu,
		CLINT:   clint,
		PLIC:    plic,
		started: make(chan struct{}),
	}

	sifiveTest := NewSiFiveTest(m.onShutdown)

	devices := []struct {
		base uint64
		dev  Device
	}{
		{CLINTBase, clint},
		{PLICBase, plic},
		{SiFiveTestBase, sifiveTest},
		{UARTBase, newFillerDevice(UARTSize)},
		{GoldfishRTCBase, newFillerDevice(GoldfishRTCSize)},
		{VirtIOBase, newFillerDevice(VirtIOSize)},
		{GoldfishEventsBase, newFillerDevice(GoldfishEventsSize)},
		{GoldfishBatteryBase, newFillerDevice(GoldfishBatterySize)},
		{RNGBase, newFillerDevice(RNGSize)},
		{NemuDebugBase, newFillerDevice(NemuDebugSize)},
		{FlashBase, newFillerDevice(FlashSize)},
		{FramebufferBase, newFillerDevice(FramebufferSize)},
	}
	for _, d := range devices {
		if err := bus.AddDevice(d.base, d.dev); err != nil {
			return nil, fmt.Errorf("wiring device map: %w", err)
		}
	}

	m.DebugOutput = output
	_ = input // reserved for a future interactive console device

	slog.Info("machine created", "ram_bytes", ramSize)
	debug.WithSource("rv64").Writef("machine created ram_bytes=%d", ramSize)

	return m, nil
}

// onShutdown is the SiFiveTest callback. It records the code/status
// and sets the guest shutdown flag the worker checks every iteration.
func (m *Machine) onShutdown(code, status uint16) {
	m.shutdownMu.Lock()
	m.ShutdownCode = code
	m.ShutdownStatus = status
	m.shutdownMu.Unlock()
	m.guestShutdown.Store(true)

	reason := "unknown"
	switch status {
	case SiFiveTestPass:
		reason = "pass"
	case SiFiveTestFail:
		reason = "fail"
	case SiFiveTestReset:
		reason = "reset"
	}
	slog.Info("guest shutdown requested", "reason", reason, "code", code, "status", status)
	debug.WithSource("rv64").Writef("shutdown reason=%s code=0x%x status=0x%x", reason, code, status)
}

// Reset resets the machine to initial state
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.MMU.FlushTLB()
	m.halted.Store(false)
	m.guestShutdown.Store(false)
	m.hostShutdown.Store(false)
}

// SetPC sets the program counter
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// SetStopOnZero enables halting when writing to address 0
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// Step executes a single instruction
func (m *Machine) Step() error {
	// Check for pending interrupts
	if !m.CPU.WFI {
		if pending, cause := m.CPU.CheckInterrupt(); pending {
			m.CPU.HandleTrap(cause, 0)
			return nil
		}
	} else {
		// WFI - check if we should wake up
		if pending, _ := m.CPU.CheckInterrupt(); pending {
			m.CPU.WFI = false
		} else {
			return nil // Still waiting
		}
	}

	// Translate instruction address
	pc := m.CPU.PC
	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.HandleTrap(exc.Cause, pc)
			return nil
		}
		return err
	}

	// Fetch instruction
	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.CPU.HandleTrap(CauseInsnAccessFault, pc)
		return nil
	}

	// Decode (expanding a compressed encoding if present) before dispatch.
	decoded, err := m.CPU.Decode(insn, pc)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.HandleTrap(exc.Cause, pc)
			return nil
		}
		return err
	}

	// Save old PC for exception handling
	oldPC := m.CPU.PC

	// Execute instruction
	err = m.executeWithMMU(decoded.Raw)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.PC = oldPC
			m.CPU.HandleTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	// If PC wasn't changed by a jump, advance it by the decoded length
	if m.CPU.PC == oldPC {
		m.CPU.PC += uint64(decoded.Len)
	}

	// Update counters, honouring mcountinhibit and a pending
	// minstret write (which should not be immediately clobbered by
	// this step's own increment).
	if m.CPU.Mcountinhibit&CounterenCY == 0 {
		m.CPU.Cycle++
	}
	if m.CPU.instretWriteSuppressesIncrement {
		m.CPU.instretWriteSuppressesIncrement = false
	} else if m.CPU.Mcountinhibit&CounterenIR == 0 {
		m.CPU.Instret++
	}
	m.instructionCount++

	return nil
}

// executeWithMMU executes an instruction with MMU translation for memory ops
func (m *Machine) executeWithMMU(insn uint32) error {
	// Wrap bus operations with MMU translation
	op := opcode(insn)

	switch op {
	case OpLoad:
		return m.execLoadMMU(insn)
	case OpStore:
		return m.execStoreMMU(insn)
	case OpAMO:
		return m.execAMOMMU(insn)
	case OpLoadFP:
		return m.execLoadFPMMU(insn)
	case OpStoreFP:
		return m.execStoreFPMMU(insn)
	default:
		return m.CPU.Execute(insn)
	}
}

// execLoadMMU executes load with MMU
func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	f3 := funct3(insn)
	var val uint64

	switch f3 {
	case 0b000: // LB
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001: // LH
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010: // LW
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011: // LD
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	m.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes store with MMU
func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	// Check for stop on zero
	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return ErrHalt
	}

	val := m.CPU.ReadReg(rs2(insn))
	f3 := funct3(insn)

	var writeErr error
	switch f3 {
	case 0b000: // SB
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001: // SH
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010: // SW
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011: // SD
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if writeErr != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}

	m.CPU.invalidateReservation(vaddr)
	return nil
}

// execAMOMMU executes atomic operations with MMU
func (m *Machine) execAMOMMU(insn uint32) error {
	vaddr := m.CPU.ReadReg(rs1(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	// Temporarily swap bus address translation
	origBus := m.CPU.Bus
	m.CPU.Bus = &translatedBus{bus: m.Bus, paddr: paddr, vaddr: vaddr}
	defer func() { m.CPU.Bus = origBus }()

	return m.CPU.execAMO(insn)
}

// translatedBus wraps Bus to use a pre-translated address
type translatedBus struct {
	bus   *Bus
	paddr uint64
	vaddr uint64
}

func (t *translatedBus) Read(addr uint64, size int) (uint64, error) {
	return t.bus.Read(t.paddr, size)
}

func (t *translatedBus) Write(addr uint64, size int, value uint64) error {
	return t.bus.Write(t.paddr, size, value)
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

// execLoadFPMMU executes FP load with MMU
func (m *Machine) execLoadFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	rdReg := rd(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FLW
		val, err := m.Bus.Read32(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		m.CPU.F[rdReg] = 0xFFFFFFFF00000000 | uint64(val) // NaN-boxed
		m.CPU.setFS(3)

	case 0b011: // FLD
		val, err := m.Bus.Read64(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		m.CPU.F[rdReg] = val
		m.CPU.setFS(3)

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// execStoreFPMMU executes FP store with MMU
func (m *Machine) execStoreFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	rs2Reg := rs2(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FSW
		val := uint32(m.CPU.F[rs2Reg])
		if err := m.Bus.Write32(paddr, val); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}

	case 0b011: // FSD
		if err := m.Bus.Write64(paddr, m.CPU.F[rs2Reg]); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// Run drives the machine until it halts, the guest requests shutdown
// through the SiFiveTest device, or ctx is cancelled. It splits work
// across two goroutines the way a real board splits a CPU core from
// its platform timer: a worker runs the tight fetch-decode-execute
// loop, while this goroutine (the controller) ticks CLINT on a fixed
// period and watches ctx. The two communicate through a pair of
// monotonic shutdown flags rather than shared mutable control state,
// since the worker must never block on the controller to make
// progress.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	_ = yieldAfter // retained for API compatibility; the worker paces itself

	done := make(chan error, 1)

	go m.runWorker(done)

	// Wait for the worker to start before driving the timer, so the
	// first tick always lands on a machine that is actually running.
	<-m.started

	ticker := time.NewTicker(clintTickPeriod)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			m.logRunExit(err)
			return err
		case <-ctx.Done():
			slog.Info("host shutdown requested", "reason", ctx.Err())
			m.hostShutdown.Store(true)
			err := <-done
			m.logRunExit(err)
			return err
		case <-ticker.C:
			m.CLINT.Tick()
		}
	}
}

// logRunExit reports why Run stopped driving the machine.
func (m *Machine) logRunExit(err error) {
	switch {
	case err == nil:
		slog.Info("run stopped", "reason", "guest shutdown", "instructions", m.instructionCount)
	case errors.Is(err, ErrHalt):
		slog.Info("run stopped", "reason", "halted", "instructions", m.instructionCount)
	case errors.Is(err, context.Canceled):
		slog.Info("run stopped", "reason", "host cancelled", "instructions", m.instructionCount)
	default:
		slog.Error("run stopped", "reason", "step error", "error", err, "instructions", m.instructionCount)
	}
	debug.WithSource("rv64").Writef("run exit err=%v instructions=%d", err, m.instructionCount)
}

// runWorker is the tight instruction loop. It checks the
// guest-initiated shutdown flag every iteration (the path a
// well-behaved guest uses) and the host-initiated flag every
// hostShutdownCheckInterval iterations (far cheaper to check, and it
// is only ever set once).
func (m *Machine) runWorker(done chan<- error) {
	m.startOnce.Do(func() { close(m.started) })

	var n uint64
	for {
		if m.guestShutdown.Load() {
			done <- nil
			return
		}
		n++
		if n%hostShutdownCheckInterval == 0 && m.hostShutdown.Load() {
			done <- context.Canceled
			return
		}

		if err := m.Step(); err != nil {
			if errors.Is(err, ErrHalt) {
				done <- ErrHalt
				return
			}
			done <- fmt.Errorf("step error at PC=0x%x: %w", m.CPU.PC, err)
			return
		}
	}
}

// Halt stops the machine
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus
func (m *Machine) AddDevice(base uint64, dev Device) error {
	return m.Bus.AddDevice(base, dev)
}

// ReplaceDevice swaps a filler device NewMachine installed (flash, the
// VirtIO-blk range, ...) for a real backing device.
func (m *Machine) ReplaceDevice(base uint64, dev Device) error {
	return m.Bus.ReplaceDevice(base, dev)
}

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
