package rv64

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func mustMachine(t *testing.T, ramSize uint64, output *bytes.Buffer) *Machine {
	t.Helper()
	m, err := NewMachine(ramSize, output, nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func TestBasicExecution(t *testing.T) {
	// Create a machine with 1MB RAM
	output := &bytes.Buffer{}
	m := mustMachine(t, 1024*1024, output)

	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1
		0x00000513, // li a0, 0
		0x00052023, // sw zero, 0(a0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 13 {
		t.Errorf("a2 (add): expected 13, got %d", m.CPU.X[12])
	}
}

func TestALUOperations(t *testing.T) {
	output := &bytes.Buffer{}
	m := mustMachine(t, 1024*1024, output)

	// Test ADD, SUB, AND, OR, XOR
	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1
		0x40b506b3, // sub a3, a0, a1
		0x00b57733, // and a4, a0, a1
		0x00b567b3, // or a5, a0, a1
		0x00b54833, // xor a6, a0, a1
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 13 {
		t.Errorf("a2 (add): expected 13, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 7 {
		t.Errorf("a3 (sub): expected 7, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 2 {
		t.Errorf("a4 (and): expected 2, got %d", m.CPU.X[14])
	}
	if m.CPU.X[15] != 11 {
		t.Errorf("a5 (or): expected 11, got %d", m.CPU.X[15])
	}
	if m.CPU.X[16] != 9 {
		t.Errorf("a6 (xor): expected 9, got %d", m.CPU.X[16])
	}
}

func TestBranches(t *testing.T) {
	output := &bytes.Buffer{}
	m := mustMachine(t, 1024*1024, output)

	code := []uint32{
		0x00500513, // li a0, 5
		0x00500593, // li a1, 5
		0x00000613, // li a2, 0
		0x00b50463, // beq a0, a1, +8 (skip next insn)
		0x00100613, // li a2, 1 (skipped)
		0x00a60613, // addi a2, a2, 10
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 10 {
		t.Errorf("a2: expected 10, got %d", m.CPU.X[12])
	}
}

func TestMultiplyDivide(t *testing.T) {
	output := &bytes.Buffer{}
	m := mustMachine(t, 1024*1024, output)

	code := []uint32{
		0x00700513, // li a0, 7
		0x00300593, // li a1, 3
		0x02b50633, // mul a2, a0, a1 (7*3=21)
		0x02b546b3, // div a3, a0, a1 (7/3=2)
		0x02b56733, // rem a4, a0, a1 (7%3=1)
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 21 {
		t.Errorf("a2 (mul): expected 21, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 2 {
		t.Errorf("a3 (div): expected 2, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 1 {
		t.Errorf("a4 (rem): expected 1, got %d", m.CPU.X[14])
	}
}

func TestShutdownDevice(t *testing.T) {
	output := &bytes.Buffer{}
	m := mustMachine(t, 4*1024, output)

	if err := m.Bus.Write32(SiFiveTestBase, uint32(SiFiveTestPass)); err != nil {
		t.Fatalf("write shutdown register: %v", err)
	}

	if !m.guestShutdown.Load() {
		t.Fatalf("expected guest shutdown flag to be set")
	}
	m.shutdownMu.Lock()
	status := m.ShutdownStatus
	m.shutdownMu.Unlock()
	if status != SiFiveTestPass {
		t.Errorf("expected status 0x%x, got 0x%x", SiFiveTestPass, status)
	}
}

func TestCompressedInstructions(t *testing.T) {
	output := &bytes.Buffer{}
	m := mustMachine(t, 1024*1024, output)

	// Write 16-bit and 32-bit instructions
	m.Bus.Write16(RAMBase+0, 0x4515)      // c.li a0, 5
	m.Bus.Write16(RAMBase+2, 0x050d)      // c.addi a0, 3
	m.Bus.Write16(RAMBase+4, 0x85aa)      // c.mv a1, a0
	m.Bus.Write32(RAMBase+6, 0x00000293)  // li t0, 0
	m.Bus.Write32(RAMBase+10, 0x0002a023) // sw zero, 0(t0)

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[10] != 8 {
		t.Errorf("a0: expected 8, got %d", m.CPU.X[10])
	}
	if m.CPU.X[11] != 8 {
		t.Errorf("a1: expected 8, got %d", m.CPU.X[11])
	}
}

func TestFDTGeneration(t *testing.T) {
	m := mustMachine(t, 64*1024*1024, nil)
	fdt, err := GenerateFDT(m, "console=ttyS0")
	if err != nil {
		t.Fatalf("GenerateFDT: %v", err)
	}

	if len(fdt) < 4 {
		t.Fatal("FDT too short")
	}

	const fdtMagic = 0xd00dfeed
	magic := uint32(fdt[0])<<24 | uint32(fdt[1])<<16 | uint32(fdt[2])<<8 | uint32(fdt[3])
	if magic != fdtMagic {
		t.Errorf("FDT magic: expected 0x%08x, got 0x%08x", fdtMagic, magic)
	}

	t.Logf("FDT size: %d bytes", len(fdt))
}
