//nolint:paralleltest
package emulator

import (
	"context"
	"testing"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
	virt "github.com/ZaparooProject/go-iso14a/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocAndReset(t *testing.T) {
	a := NewArena(10)
	b, ok := a.Alloc(4)
	require.True(t, ok)
	assert.Len(t, b, 4)
	assert.Equal(t, 4, cap(b), "allocation must not grow into the next one")
	assert.Equal(t, 6, a.Remaining())

	_, ok = a.Alloc(7)
	assert.False(t, ok)
	_, ok = a.Alloc(-1)
	assert.False(t, ok)

	a.Reset()
	assert.Equal(t, 10, a.Remaining())
}

func TestArena_Compile(t *testing.T) {
	data := []byte{0x04, 0x00}
	a := NewArena(modulationLen(len(data)))
	r, err := a.Compile(data)
	require.NoError(t, err)
	assert.Zero(t, a.Remaining())

	mod, duration := iso14a.EncodeTagFrame(nil, data)
	assert.Equal(t, mod, r.Mod)
	assert.Equal(t, duration, r.Duration)
	assert.Len(t, r.Mod, modulationLen(len(data)))

	_, err = a.Compile(data)
	require.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestCompileInto_TooSmall(t *testing.T) {
	_, err := compileInto(make([]byte, 0, 10), []byte{1, 2})
	require.ErrorIs(t, err, ErrResponseTooLarge)

	r, err := compileInto(make([]byte, 0, modulationLen(2)), []byte{1, 2})
	require.NoError(t, err)
	assert.Len(t, r.Mod, modulationLen(2))
}

func TestNonceHarvester(t *testing.T) {
	var h nonceHarvester

	_, ok := h.add(0xCAFE, 1, 0, 0x100, 0x200, 0x300)
	assert.False(t, ok)
	_, ok = h.add(0xCAFE, 2, 0, 0x101, 0x201, 0x301)
	assert.False(t, ok)
	_, ok = h.add(0xCAFE, 1, 1, 0x102, 0x202, 0x302)
	assert.False(t, ok, "key B is tracked apart from key A")

	p, ok := h.add(0xCAFE, 1, 0, 0x110, 0x210, 0x310)
	require.True(t, ok)
	assert.Equal(t, NoncePair{
		CUID: 0xCAFE, Sector: 1, KeyType: 0,
		Nonce: 0x100, NR: 0x200, AR: 0x300,
		Nonce2: 0x110, NR2: 0x210, AR2: 0x310,
	}, p)

	_, ok = h.add(0xCAFE, 1, 0, 0x120, 0x220, 0x320)
	assert.False(t, ok, "a completed slot starts over")
}

func TestNonceHarvester_FullOverwritesFirstSlot(t *testing.T) {
	var h nonceHarvester
	for i := 0; i < nonceSlots; i++ {
		_, ok := h.add(1, byte(i), 0, 0, 0, 0)
		require.False(t, ok)
	}
	_, ok := h.add(1, 40, 0, 0, 0, 0)
	assert.False(t, ok)
	assert.Equal(t, byte(40), h.slots[0].pair.Sector)

	_, ok = h.add(1, 40, 0, 1, 1, 1)
	assert.True(t, ok)
}

func TestULCCipher_ChainsIV(t *testing.T) {
	var key [16]byte
	copy(key[:], ulcTestKey)
	enc, err := newULCCipher(key)
	require.NoError(t, err)
	dec, err := newULCCipher(key)
	require.NoError(t, err)

	msg := []byte("0123456789ABCDEF")
	ct := make([]byte, 16)
	enc.encrypt(ct, msg)
	pt := make([]byte, 16)
	dec.decrypt(pt, ct)
	assert.Equal(t, msg, pt)
	assert.Equal(t, enc.iv, dec.iv)

	// same plaintext again encrypts differently under the carried IV
	ct2 := make([]byte, 8)
	enc.encrypt(ct2, msg[:8])
	assert.NotEqual(t, ct[:8], ct2)

	enc.resetIV()
	enc.encrypt(ct2, msg[:8])
	assert.Equal(t, ct[:8], ct2)
}

func TestULCKey_ReversesPages(t *testing.T) {
	k := ulcKey(ulcTestMemory()[ULPrefixLen:])
	assert.Equal(t, ulcTestKey, k[:])

	pages := make([]byte, 4*48)
	copy(pages[4*0x2D:], []byte{4, 3, 2, 1})
	copy(pages[4*0x2E:], []byte{0x10, 0x0F, 0x0E, 0x0D})
	k = ulcKey(pages)
	assert.Equal(t, []byte{1, 2, 3, 4}, k[0:4])
	assert.Equal(t, []byte{0x0D, 0x0E, 0x0F, 0x10}, k[12:16])
}

func TestRotate(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	rotateLeft(b)
	assert.Equal(t, []byte{2, 3, 4, 1}, b)
	rotateRight(b)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)

	one := []byte{9}
	rotateLeft(one)
	assert.Equal(t, []byte{9}, one)
}

func TestULHeader_RoundTrip(t *testing.T) {
	h := ULHeader{
		Version: [8]byte{0, 4, 4, 2, 1, 0, 0x11, 3},
		TBO:     [2]byte{1, 2},
		TBO1:    3,
		Pages:   0x86,
	}
	h.Counters[2] = [4]byte{1, 2, 3, 0xBD}
	mem := NewULMemory(h, []byte{0xAA})
	require.Len(t, mem, ULPrefixLen+1)
	assert.Equal(t, h, ParseULHeader(mem))
	assert.Equal(t, uint32(0x030201), le24(mem[ulCountersOff+8:]))
}

func TestEmulatorError_Message(t *testing.T) {
	err := initError(InitBadUID, "%d bytes", 5)
	assert.Equal(t, "emulator init: bad UID length: 5 bytes", err.Error())
}

func TestRunAntiFuzz_AnswersWithCollidingUID(t *testing.T) {
	tb := iso14a.NewTraceBuffer("test", 16)
	s := virt.NewTagScript(wupa, selectAll(frame.CmdSelectCL1), crcStep(frame.CmdRATS, 0x80))

	err := RunAntiFuzz(context.Background(), s, AntiFuzzOptions{Tracer: tb, UID7: true})
	require.ErrorIs(t, err, virt.ErrScriptDone)
	assert.Equal(t, iso14a.ModeOff, s.Mode())

	assert.Equal(t, []byte{0x44, 0x00}, answer(t, s, 0).Data)

	var tagFrames [][]byte
	for _, f := range tb.Frames() {
		if f.Direction == iso14a.TraceTag {
			tagFrames = append(tagFrames, f.Data)
		}
	}
	require.Len(t, tagFrames, 2)
	assert.Equal(t, []byte{frame.CascadeTag, 0xFF, 0xFF, 0xFF, 0x77}, tagFrames[1])
	assert.Empty(t, s.AnswersTo(2))
}
