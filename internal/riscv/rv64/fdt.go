package rv64

import (
	"github.com/Uotan-Dev/uotan-riscv-emu-ng/internal/fdt"
)

// GenerateFDT builds the flattened device tree describing the machine's
// memory map and hands it to the fdt package for serialization.
func GenerateFDT(m *Machine, cmdline string) ([]byte, error) {
	ramSize := m.MemorySize()

	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"riscv-virtio"}},
			"model":          {Strings: []string{"riscv-virtio,uotan"}},
		},
		Children: []fdt.Node{
			{
				Name: "chosen",
				Properties: map[string]fdt.Property{
					"bootargs":    {Strings: []string{cmdline}},
					"stdout-path": {Strings: []string{"/soc/serial@10000000"}},
				},
			},
			{
				Name: "cpus",
				Properties: map[string]fdt.Property{
					"#address-cells":     {U32: []uint32{1}},
					"#size-cells":        {U32: []uint32{0}},
					"timebase-frequency": {U32: []uint32{10000000}},
				},
				Children: []fdt.Node{
					{
						Name: "cpu@0",
						Properties: map[string]fdt.Property{
							"device_type": {Strings: []string{"cpu"}},
							"reg":         {U32: []uint32{0}},
							"status":      {Strings: []string{"okay"}},
							"compatible":  {Strings: []string{"riscv"}},
							"riscv,isa":   {Strings: []string{"rv64imafdc_zicsr_zifencei"}},
							"mmu-type":    {Strings: []string{"riscv,sv39"}},
						},
						Children: []fdt.Node{
							{
								Name: "interrupt-controller",
								Properties: map[string]fdt.Property{
									"#interrupt-cells":     {U32: []uint32{1}},
									"interrupt-controller": {Flag: true},
									"compatible":           {Strings: []string{"riscv,cpu-intc"}},
									"phandle":              {U32: []uint32{1}},
								},
							},
						},
					},
				},
			},
			{
				Name: "memory@80000000",
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg": {U32: []uint32{
						uint32(RAMBase >> 32), uint32(RAMBase),
						uint32(ramSize >> 32), uint32(ramSize),
					}},
				},
			},
			{
				Name: "soc",
				Properties: map[string]fdt.Property{
					"#address-cells": {U32: []uint32{2}},
					"#size-cells":    {U32: []uint32{2}},
					"compatible":     {Strings: []string{"simple-bus"}},
					"ranges":         {Flag: true},
				},
				Children: []fdt.Node{
					{
						Name: "clint@2000000",
						Properties: map[string]fdt.Property{
							"compatible": {Strings: []string{"sifive,clint0", "riscv,clint0"}},
							"reg": {U32: []uint32{
								uint32(CLINTBase >> 32), uint32(CLINTBase),
								uint32(CLINTSize >> 32), uint32(CLINTSize),
							}},
							"interrupts-extended": {U32: []uint32{1, 3, 1, 7}},
						},
					},
					{
						Name: "plic@c000000",
						Properties: map[string]fdt.Property{
							"compatible":           {Strings: []string{"sifive,plic-1.0.0"}},
							"#interrupt-cells":     {U32: []uint32{1}},
							"interrupt-controller": {Flag: true},
							"reg": {U32: []uint32{
								uint32(PLICBase >> 32), uint32(PLICBase),
								uint32(PLICSize >> 32), uint32(PLICSize),
							}},
							"interrupts-extended": {U32: []uint32{1, 9, 1, 11}},
							"riscv,ndev":           {U32: []uint32{127}},
							"phandle":              {U32: []uint32{2}},
						},
					},
					{
						Name: "serial@10000000",
						Properties: map[string]fdt.Property{
							"compatible": {Strings: []string{"ns16550a"}},
							"reg": {U32: []uint32{
								uint32(UARTBase >> 32), uint32(UARTBase),
								uint32(UARTSize >> 32), uint32(UARTSize),
							}},
							"clock-frequency":  {U32: []uint32{3686400}},
							"interrupts":       {U32: []uint32{10}},
							"interrupt-parent": {U32: []uint32{2}},
						},
					},
				},
			},
		},
	}

	return fdt.Build(root)
}
