// Copyright 2026 The rpi4os Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devices emulates the BCM2711 peripherals the kernel programs:
// the PL011 UART, the GIC-400, the ARM-local peripheral block, and the
// GPIO register file the UART pin mux lives in.
package devices

// Physical bases on the BCM2711 (Raspberry Pi 4).
const (
	PeripheralBase = 0xFE000000

	GPIOBase = PeripheralBase + 0x200000
	UARTBase = PeripheralBase + 0x201000

	LocalBase = 0xFF800000
	GICBase   = 0xFF840000
)
