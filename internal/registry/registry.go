package registry

import (
	"sync"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/alignedmem"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/logging"
)

// TimingEstimator receives an initial cycle-count estimate for a newly
// registered executable so the real-time wrapper (C8) can account for it
// before the first submit. Optional: Registry works without one.
type TimingEstimator interface {
	EstimateInitialTimingMs(execID string, estimatedMs int64)
}

// Registry is C3: a content-addressable store of parsed executables, kept
// consistent by serializing every mutation through mu, while layer lookups
// on already-parsed metadata require no lock (spec.md §4.3).
type Registry struct {
	mu             sync.Mutex
	chipConfigTag  string // empty means "unknown, accept any"
	refs           map[*PackageReference]struct{}
	byIdentifier   map[string]*PackageReference
	timingEstimator TimingEstimator
	logger         *logging.Logger
}

// New builds a Registry bound to a specific chip configuration tag. An
// empty tag accepts packages for any chip (used by test harnesses).
func New(chipConfigTag string, estimator TimingEstimator) *Registry {
	return &Registry{
		chipConfigTag:   chipConfigTag,
		refs:            make(map[*PackageReference]struct{}),
		byIdentifier:    make(map[string]*PackageReference),
		timingEstimator: estimator,
		logger:          logging.Default(),
	}
}

// Register parses bytes as a "DWN1" package, validates it against the
// registry's chip configuration, and returns a live PackageReference
// (spec.md §4.3).
func (reg *Registry) Register(data []byte) (*PackageReference, error) {
	pkg, err := ParsePackage(data)
	if err != nil {
		return nil, tpuerr.WrapError("registry.Register", err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.chipConfigTag != "" && pkg.ChipConfigTag != "" && pkg.ChipConfigTag != reg.chipConfigTag {
		return nil, tpuerr.NewError("registry.Register", tpuerr.CodeInvalidArgument, "package targets a different chip configuration")
	}
	if _, exists := reg.byIdentifier[pkg.Identifier]; exists {
		return nil, tpuerr.NewError("registry.Register", tpuerr.CodeAlreadyExists, "package already registered")
	}

	ref := &PackageReference{Pkg: pkg}
	for _, exec := range pkg.Executables() {
		execRef, err := reg.buildExecutableReference(exec)
		if err != nil {
			return nil, tpuerr.WrapError("registry.Register", err)
		}
		switch exec.Kind {
		case KindParameterCaching:
			ref.Caching = execRef
		default:
			ref.Main = execRef
		}
	}

	reg.refs[ref] = struct{}{}
	reg.byIdentifier[pkg.Identifier] = ref
	reg.logger.Info("registered package", "identifier", pkg.Identifier)
	return ref, nil
}

// buildExecutableReference makes the registry-owned aligned parameter
// copy and derived metadata for one executable (spec.md §4.3 step 3).
func (reg *Registry) buildExecutableReference(exec *Executable) (*ExecutableReference, error) {
	block := alignedmem.CopyAligned(exec.ParameterBlob)
	paramsHost := buffer.NewAllocated(block.Ptr, len(block.Bytes), block.Free)

	if reg.timingEstimator != nil && exec.EstimatedCycles > 0 {
		// ceil(cycles / (freq_hz/1000)) ms is computed by the caller who
		// knows the operational frequency; here we only forward cycles.
		reg.timingEstimator.EstimateInitialTimingMs(exec.Identifier, int64(exec.EstimatedCycles))
	}

	return &ExecutableReference{Exec: exec, ParamsHost: paramsHost}, nil
}

// Unregister destroys ref, rejecting the call while requests are still
// in-flight against it (spec.md §3 "PackageReference" lifetime).
func (reg *Registry) Unregister(ref *PackageReference) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.unregisterLocked(ref)
}

func (reg *Registry) unregisterLocked(ref *PackageReference) error {
	if _, ok := reg.refs[ref]; !ok {
		return tpuerr.NewError("registry.Unregister", tpuerr.CodeNotFound, "package reference not registered")
	}
	if ref.inFlight > 0 {
		return tpuerr.WrapError("registry.Unregister", tpuerr.ErrInFlight)
	}

	delete(reg.refs, ref)
	delete(reg.byIdentifier, ref.Pkg.Identifier)
	ref.Main.ParamsHost.Release()
	if ref.Caching != nil {
		ref.Caching.ParamsHost.Release()
	}
	return nil
}

// UnregisterAll tears down every live reference, used on driver close.
func (reg *Registry) UnregisterAll() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var firstErr error
	for ref := range reg.refs {
		ref.inFlight = 0 // close(Asap) forcibly drops in-flight bookkeeping
		if err := reg.unregisterLocked(ref); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResetParametersLoaded clears ParamsLoaded on every reference without
// touching ParamsMapped, as required after a context loss (spec.md §4.3).
func (reg *Registry) ResetParametersLoaded() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for ref := range reg.refs {
		if ref.Main != nil {
			ref.Main.ParamsLoaded = false
		}
		if ref.Caching != nil {
			ref.Caching.ParamsLoaded = false
		}
	}
}

// BeginRequest / EndRequest bracket one request's lifetime against ref, so
// Unregister can reject destruction while work is in flight.
func (reg *Registry) BeginRequest(ref *PackageReference) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ref.inFlight++
}

func (reg *Registry) EndRequest(ref *PackageReference) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if ref.inFlight > 0 {
		ref.inFlight--
	}
}
