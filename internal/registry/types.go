// Package registry implements C3, the executable registry: parsing,
// validating, and deduplicating compiled packages, owning their parameter
// buffers, and exposing layer metadata to the rest of the core.
package registry

import (
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/layer"
)

// FieldKind identifies what an instruction chunk's patch point resolves
// to (spec.md §3 "Executable").
type FieldKind uint8

const (
	FieldScratchAddress FieldKind = iota
	FieldParameterAddress
	FieldInputAddress
	FieldOutputAddress
)

// FieldOffset is one patch point within an instruction bitstream chunk.
type FieldOffset struct {
	BitOffset uint32
	Kind      FieldKind
	// LayerName is set when Kind is FieldInputAddress/FieldOutputAddress.
	LayerName string
	// BatchIndex selects which data-parallel batch element's address to
	// patch in, for layers with Extent.Batch > 1.
	BatchIndex int
}

// InstructionChunk is one bitstream blob plus the patch points that must
// be resolved into it before it can be issued to hardware.
type InstructionChunk struct {
	Bitstream    []byte
	FieldOffsets []FieldOffset
}

// DmaHintKind enumerates the typed DMA hints an executable's compiler
// emits (spec.md §3, §4.10).
type DmaHintKind int

const (
	HintInstruction DmaHintKind = iota
	HintInputActivation
	HintOutputActivation
	HintParameter
	HintScratch
	HintInterrupt
	HintFence
)

// DmaHint is one ordered, compiler-emitted DMA descriptor hint.
type DmaHint struct {
	Kind DmaHintKind

	// Set for Input/Output/Parameter/Scratch hints.
	LayerName string
	Offset    int
	Size      int
	Batch     int

	// Set for Instruction hints.
	ChunkIndex int

	// Set for Interrupt hints: 0..3.
	InterruptID int

	// LocalFence marks a fence hint as local (vs. the implicit terminal
	// global fence); see internal/scheduler.
	LocalFence bool
}

// Executable is one parsed sub-program: either the standalone inference
// program, the parameter-caching program, or (when present alongside a
// standalone) the dedicated inference-only program (spec.md §3 "Package").
type ExecutableKind int

const (
	KindStandalone ExecutableKind = iota
	KindParameterCaching
	KindInference
)

type Executable struct {
	Kind ExecutableKind

	Identifier    string
	ChipConfigTag string
	BatchSize     int

	InputLayers  []*layer.Info
	OutputLayers []*layer.Info

	InstructionChunks []InstructionChunk
	ParameterBlob     []byte
	ScratchBytes      int

	DmaHints            []DmaHint
	FullyDeterministic  bool
	EstimatedCycles     uint64
	ParameterCacheToken uint64
}

// Package is the registrable unit: one standalone executable, or a
// parameter-caching + inference pair, optionally alongside a standalone
// one too (spec.md §3).
type Package struct {
	Identifier    string
	ChipConfigTag string

	Standalone        *Executable
	ParameterCaching   *Executable
	Inference          *Executable

	MaxLatencyMs int // 0 means "no tolerance declared"
	UserID       string

	// LegacySignedInt32 selects the historic, buggy sign-transform
	// behavior for SignedFixedPoint32 layers (spec.md §9 Open Questions:
	// the original compiler treats it as unsigned). Defaults to false
	// (the corrected behavior); set true only for packages compiled
	// against the old semantics. The wire format carries no such flag
	// today, so every parsed package gets the corrected behavior; this
	// field exists so a caller constructing a Package by hand (e.g. to
	// register an older model under compatibility mode) has somewhere to
	// set it.
	LegacySignedInt32 bool
}

// Executables returns every non-nil executable in the package, in a fixed
// order (parameter-caching first, since it must run before inference).
func (p *Package) Executables() []*Executable {
	var out []*Executable
	if p.ParameterCaching != nil {
		out = append(out, p.ParameterCaching)
	}
	if p.Inference != nil {
		out = append(out, p.Inference)
	}
	if p.Standalone != nil {
		out = append(out, p.Standalone)
	}
	return out
}

// MainExecutable returns the executable a Request binds to: the inference
// program when present, otherwise the standalone one.
func (p *Package) MainExecutable() *Executable {
	if p.Inference != nil {
		return p.Inference
	}
	return p.Standalone
}

// ExecutableReference is the registry's resident handle over one parsed
// Executable: an aligned copy of its parameters, plus the residency flags
// from spec.md §4.3.
type ExecutableReference struct {
	Exec *Executable

	// ParamsHost is the registry-owned aligned copy of Exec.ParameterBlob.
	ParamsHost buffer.Buffer
	// ParamsMapped/ParamsDevice are populated lazily on first submit.
	ParamsMapped bool
	ParamsDevice buffer.DeviceBuffer
	// ParamsLoaded tracks whether the parameter-caching sub-executable has
	// actually pushed the parameters into device DRAM since the last
	// context loss.
	ParamsLoaded bool
}

// PackageReference is the registered, live handle returned to callers
// (spec.md §3 "PackageReference"). It is destroyed on Unregister, which
// must be deferred or rejected while requests referencing it are
// in-flight.
type PackageReference struct {
	Pkg *Package

	Main   *ExecutableReference
	Caching *ExecutableReference

	inFlight int // requests currently bound to this reference
}

// MainRef returns the resident reference for the package's main
// (inference or standalone) executable.
func (r *PackageReference) MainRef() *ExecutableReference { return r.Main }

// CachingRef returns the resident reference for the parameter-caching
// executable, or nil if the package has none.
func (r *PackageReference) CachingRef() *ExecutableReference { return r.Caching }
