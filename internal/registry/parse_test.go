package registry

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/constants"
)

// packageBuilder assembles a "DWN1" byte stream for tests, mirroring the
// fields byteReader in parse.go consumes.
type packageBuilder struct {
	buf []byte
}

func (b *packageBuilder) u8(v uint8)    { b.buf = append(b.buf, v) }
func (b *packageBuilder) boolean(v bool) {
	if v {
		b.u8(1)
	} else {
		b.u8(0)
	}
}
func (b *packageBuilder) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *packageBuilder) i32(v int32) { b.u32(uint32(v)) }
func (b *packageBuilder) f32(v float32) { b.u32(math.Float32bits(v)) }
func (b *packageBuilder) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *packageBuilder) bytesField(v []byte) {
	b.u32(uint32(len(v)))
	b.buf = append(b.buf, v...)
}
func (b *packageBuilder) str(v string) { b.bytesField([]byte(v)) }

func (b *packageBuilder) layer(name string, batch, y, x, z int, dt uint8, execCount int, padded, actual int, isOutput bool) {
	b.str(name)
	b.u32(uint32(batch))
	b.u32(uint32(y))
	b.u32(uint32(x))
	b.u32(uint32(z))
	b.u8(dt)
	b.i32(0)    // zero point
	b.f32(1.0)  // scale
	b.u32(uint32(execCount))
	b.boolean(false) // cache on device dram
	b.u32(uint32(padded))
	b.u32(uint32(actual))
	if isOutput {
		b.boolean(false) // no tile layout
	}
}

func buildStandalonePackage(t *testing.T) []byte {
	t.Helper()
	b := &packageBuilder{}
	b.buf = append(b.buf, constants.PackageMagic[:]...)
	b.u32(1) // version
	b.str("model-a")
	b.str("chip-v1")
	b.str("") // user id
	b.i32(0)  // max latency ms

	b.u32(1) // one executable

	// executable
	b.u8(uint8(KindStandalone))
	b.str("model-a-exec")
	b.str("chip-v1")
	b.u32(1) // batch size
	b.u32(1024) // scratch bytes
	b.u64(0)    // param cache token
	b.u64(1000) // estimated cycles
	b.boolean(true) // fully deterministic

	b.u32(1) // one input layer
	b.layer("in", 1, 1, 1, 3072, 0, 1, 3072, 3072, false)

	b.u32(1) // one output layer
	b.layer("out", 1, 1, 1, 2048, 0, 1, 2048, 2048, true)

	b.u32(0) // no instruction chunks
	b.bytesField([]byte{1, 2, 3, 4}) // parameter blob
	b.u32(0)                         // no dma hints

	return b.buf
}

func TestParsePackageRoundTrip(t *testing.T) {
	data := buildStandalonePackage(t)
	pkg, err := ParsePackage(data)
	require.NoError(t, err)

	assert.Equal(t, "model-a", pkg.Identifier)
	assert.Equal(t, "chip-v1", pkg.ChipConfigTag)
	require.NotNil(t, pkg.Standalone)
	assert.Equal(t, "in", pkg.Standalone.InputLayers[0].Name)
	assert.Equal(t, 3072, pkg.Standalone.InputLayers[0].ActualBytesPerIteration)
	assert.Equal(t, "out", pkg.Standalone.OutputLayers[0].Name)
	assert.Equal(t, []byte{1, 2, 3, 4}, pkg.Standalone.ParameterBlob)
}

func TestParsePackageBadMagic(t *testing.T) {
	data := buildStandalonePackage(t)
	data[0] = 'X'
	_, err := ParsePackage(data)
	require.Error(t, err)
}

func TestParsePackageTruncated(t *testing.T) {
	data := buildStandalonePackage(t)
	_, err := ParsePackage(data[:len(data)-10])
	require.Error(t, err)
}

func TestRegisterAndUnregister(t *testing.T) {
	reg := New("chip-v1", nil)
	data := buildStandalonePackage(t)

	ref, err := reg.Register(data)
	require.NoError(t, err)
	require.NotNil(t, ref.Main)
	assert.True(t, ref.Main.ParamsHost.Valid())

	_, err = reg.Register(data)
	require.Error(t, err, "duplicate identifier must be rejected")

	reg.BeginRequest(ref)
	err = reg.Unregister(ref)
	require.Error(t, err, "unregister must reject while in flight")

	reg.EndRequest(ref)
	require.NoError(t, reg.Unregister(ref))
}

func TestRegisterWrongChipRejected(t *testing.T) {
	reg := New("chip-v2", nil)
	data := buildStandalonePackage(t)
	_, err := reg.Register(data)
	require.Error(t, err)
}

func TestResetParametersLoadedPreservesMapped(t *testing.T) {
	reg := New("chip-v1", nil)
	data := buildStandalonePackage(t)
	ref, err := reg.Register(data)
	require.NoError(t, err)

	ref.Main.ParamsMapped = true
	ref.Main.ParamsLoaded = true

	reg.ResetParametersLoaded()
	assert.True(t, ref.Main.ParamsMapped)
	assert.False(t, ref.Main.ParamsLoaded)
}
