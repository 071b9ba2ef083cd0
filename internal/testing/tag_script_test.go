//nolint:paralleltest
package testing

import (
	"context"
	"testing"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readFrame reads tag-mode samples until a reader frame decodes.
func readFrame(t *testing.T, s *TagScript) *iso14a.MillerDecoder {
	t.Helper()
	d := iso14a.NewMillerDecoder(make([]byte, iso14a.MaxFrameSize), make([]byte, iso14a.MaxParitySize))
	for range 1024 {
		b, ts, err := s.Sample(context.Background())
		require.NoError(t, err)
		if d.Decode(b, ts) {
			return d
		}
	}
	t.Fatal("no reader frame")
	return nil
}

func TestTagScript_PlaysFramesAndCapturesAnswers(t *testing.T) {
	var seen *TagAnswer
	s := NewTagScript(
		ScriptStep{Frame: []byte{frame.CmdWUPA}, Bits: 7},
		ScriptStep{Build: func(prev *TagAnswer) []byte {
			seen = prev
			return []byte{frame.CmdSelectCL1, frame.NVBSelectAll}
		}},
	)
	require.NoError(t, s.SetMode(iso14a.ModeTag))
	ctx := context.Background()

	d := readFrame(t, s)
	assert.Equal(t, 7, d.Bits())
	assert.Equal(t, []byte{frame.CmdWUPA}, d.Data())

	mod, _ := iso14a.EncodeTagFrame(nil, []byte{0x04, 0x00})
	at := d.EndTime() + 80
	_, err := s.Transmit(ctx, mod, at)
	require.NoError(t, err)

	require.Len(t, s.Answers(), 1)
	a := s.Answers()[0]
	assert.Equal(t, []byte{0x04, 0x00}, a.Data)
	assert.Equal(t, 16, a.Bits)
	assert.Equal(t, 0, a.Step)
	assert.Equal(t, at, a.At)
	assert.Less(t, a.ReaderEnd, at)

	d = readFrame(t, s)
	assert.Equal(t, []byte{frame.CmdSelectCL1, frame.NVBSelectAll}, d.Data())
	require.NotNil(t, seen)
	assert.Equal(t, []byte{0x04, 0x00}, seen.Data)
	assert.Empty(t, s.AnswersTo(1))

	for {
		_, _, err = s.Sample(ctx)
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrScriptDone)
}

func TestTagScript_CapturesFourBitAnswer(t *testing.T) {
	s := NewTagScript(ScriptStep{Frame: []byte{0xA2, 0x04, 1, 2, 3, 4}})
	d := readFrame(t, s)
	require.Equal(t, 6, d.Len())

	mod, _ := iso14a.EncodeTag4Bit(nil, frame.CardACK)
	_, err := s.Transmit(context.Background(), mod, 0)
	require.NoError(t, err)
	require.Len(t, s.AnswersTo(0), 1)
	assert.Equal(t, 4, s.Answers()[0].Bits)
	assert.Equal(t, []byte{frame.CardACK}, s.Answers()[0].Data)
}

func TestNoisyRadio_ResyncsAfterGlitch(t *testing.T) {
	f := NewField(NewVirtualCard([]byte{1, 2, 3, 4}))
	n := NewNoisyRadio(f, 3, 0xF0)
	require.NoError(t, n.SetMode(iso14a.ModeReader))
	ctx := context.Background()

	mod, _ := iso14a.EncodeReaderBits(nil, []byte{frame.CmdREQA}, 7, nil)
	_, err := n.Transmit(ctx, mod, 0)
	require.NoError(t, err)

	d := iso14a.NewManchesterDecoder(make([]byte, 8), make([]byte, 2))
	var got []byte
	for range 64 {
		b, ts, err := n.Sample(ctx)
		require.NoError(t, err)
		if d.Decode(b, 0, ts) {
			got = d.Data()
			break
		}
	}
	assert.Equal(t, []byte{0x04, 0x00}, got)
	assert.Equal(t, 1, n.Injected)
}
