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

package iso14a

// The hardware clock counts ticks of fc/16 (about 1.18 µs). One sample of
// the synchronous serial stream covers one bit period of 8 ticks. Trace
// timestamps are in carrier cycles (1/fc), 16 per tick.
const (
	TicksPerSample = 8
	TicksPerMs     = 847
	TraceTicks     = 16

	// MaxTimeout bounds SetTimeout, in samples.
	MaxTimeout = 524288

	// DefaultTimeout is the reader's receive timeout in samples (about 10 ms).
	DefaultTimeout = 1060

	// ATQATimeout covers the fixed 1236/fc answer window of REQA and WUPA.
	ATQATimeout = 1236/128 + 1
)

// Frame timing, in ticks.
const (
	RequestGuardTime          = 7000/16 + 1
	FrameDelayTimePICCToPCD   = 1172/16 + 1
	DelayAir2ArmAsReader      = 3 + 16 + 8 + 8*16 + 4*16 - 8*16
	DelayArm2AirAsReader      = 4*16 + 8*16 + 8 + 8 + 1
	DelayArm2AirAsTag         = 4*16 + 8 + 8*16 + 8 + 16 + 1
	DelayAir2ArmAsTag         = 2 + 3 + 8
	DelayTagAir2ArmSniffer    = 3 + 14 + 8
	DelayReaderAir2ArmSniffer = 2 + 3 + 8
)

const (
	roundTripTimeoutSamples = (DelayAir2ArmAsReader+DelayArm2AirAsReader)/128 + 2
	roundTripTicks          = (DelayAir2ArmAsReader + DelayArm2AirAsReader) / 16
	timeoutUnitsPerSecond   = 13560000
	timeoutUnitDenominator  = 8 * 16
)

// TimeoutToInternal adds the fixed electrical round trip to a caller
// timeout (in samples) for storage.
func TimeoutToInternal(timeout uint32) uint32 {
	return timeout + roundTripTimeoutSamples
}

// TimeoutFromInternal undoes TimeoutToInternal.
func TimeoutFromInternal(internal uint32) uint32 {
	if internal < roundTripTimeoutSamples {
		return 0
	}
	return internal - roundTripTimeoutSamples
}

// MsToTimeout converts milliseconds to a sample-count timeout, capped at
// MaxTimeout.
func MsToTimeout(ms uint32) uint32 {
	t := uint64(ms) * timeoutUnitsPerSecond / timeoutUnitDenominator / 1000
	if t > MaxTimeout {
		return MaxTimeout
	}
	return uint32(t)
}

// TimeoutToMs converts a sample-count timeout to whole milliseconds.
func TimeoutToMs(timeout uint32) uint32 {
	return uint32(uint64(timeout) * timeoutUnitDenominator * 1000 / timeoutUnitsPerSecond)
}

// MaxTickSpan is the longest span tick comparisons can order: ticks wrap
// and are compared by signed difference.
const MaxTickSpan = 1<<31 - 1

// laterTick returns whichever of a and b comes later on the wrapping tick
// clock.
func laterTick(a, b uint32) uint32 {
	if int32(b-a) > 0 {
		return b
	}
	return a
}

// MsToTicks converts milliseconds to hardware ticks, saturating at
// MaxTickSpan.
func MsToTicks(ms uint32) uint32 {
	return uint32(min(uint64(ms)*TicksPerMs, MaxTickSpan))
}

// TraceTime converts a tick timestamp to trace units.
func TraceTime(ticks uint32) uint32 {
	return ticks * TraceTicks
}
