// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package frame

// ISO14443-A commands
const (
	CmdREQA          = 0x26
	CmdWUPA          = 0x52
	CmdSelectCL1     = 0x93
	CmdSelectCL2     = 0x95
	CmdSelectCL3     = 0x97
	CmdHalt          = 0x50
	CmdRATS          = 0xE0
	CmdPPS           = 0xD0
	CascadeTag       = 0x88
	NVBSelectAll     = 0x20
	NVBSelect        = 0x70
	HaltParam        = 0x00
	RATSParamDefault = 0x80
)

// Vendor wake-up frames sent by MagSafe chargers before WUPA.
const (
	CmdMagSafeWUPA1 = 0x7A
	CmdMagSafeWUPA2 = 0x7B
	CmdMagSafeWUPA3 = 0x7C
	CmdMagSafeWUPA4 = 0x7D
)

// MIFARE / NTAG commands
const (
	CmdRead              = 0x30
	CmdAuthKeyA          = 0x60
	CmdAuthKeyB          = 0x61
	CmdULCAuth1          = 0x1A
	CmdULCAuth2          = 0xAF
	CmdULWrite           = 0xA2
	CmdULCompatWrite     = 0xA0
	CmdULEV1Version      = 0x60
	CmdULEV1FastRead     = 0x3A
	CmdULEV1ReadSig      = 0x3C
	CmdULEV1ReadCnt      = 0x39
	CmdULEV1IncrCnt      = 0xA5
	CmdULEV1CheckTear    = 0x3E
	CmdULEV1PwdAuth      = 0x1B
	CmdULEV1VCSL         = 0x4B
	CmdDESFireGetVersion = 0x60
)

// 4-bit acknowledge codes sent by MIFARE-family tags.
const (
	CardACK    = 0x0A
	CardNACKIV = 0x00 // invalid argument
	CardNACKPA = 0x01 // parity or CRC error
	CardNACKNA = 0x04 // not allowed
)

// Frame size limits
const (
	MaxFrameSize       = 256
	MaxParitySize      = MaxFrameSize/8 + 1
	MaxMIFAREFrameSize = 18
)

// Bridge link frame markers. The serial sample bridge reuses the classic
// preamble/start-code framing with a length checksum and a data checksum.
const (
	Preamble   = 0x00
	StartCode1 = 0x00
	StartCode2 = 0xFF
	Postamble  = 0x00

	HostToBridge = 0xD4
	BridgeToHost = 0xD5

	MaxBridgeDataLength  = 255
	MinBridgeFrameLength = 7 // preamble + start code + len + lcs + tfi + dcs
)

// Sample bridge commands. The first data byte of every bridge frame names
// the command (host to bridge) or the event (bridge to host). Tick values
// are big-endian uint32.
const (
	BridgeSetMode  = 0x01 // [mode]
	BridgeTxChunk  = 0x02 // [modulation...], more to follow
	BridgeTransmit = 0x03 // [at:4][modulation...], last chunk

	BridgeModeSet  = 0x81 // [tick:4]
	BridgeTxDone   = 0x83 // [start:4]
	BridgeSamples  = 0x85 // [tick:4][samples...]
	BridgeOverflow = 0x8F // [dropped:2], the bridge lost samples

	// MaxBridgeChunk is the largest modulation payload of a TxChunk frame.
	MaxBridgeChunk = MaxBridgeDataLength - 2
)
