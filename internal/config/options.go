package config

import (
	"errors"
	"fmt"
)

// SearchBackend names a nearest-neighbour library used to build the
// point set surface.
type SearchBackend string

const (
	BackendSTANN     SearchBackend = "STANN"
	BackendFLANN     SearchBackend = "FLANN"
	BackendNABO      SearchBackend = "NABO"
	BackendNANOFLANN SearchBackend = "NANOFLANN"
	BackendPCL       SearchBackend = "PCL"
)

// Decomposition names a volumetric decomposition strategy.
type Decomposition string

const (
	DecompositionPMC Decomposition = "PMC"
	DecompositionMC  Decomposition = "MC"
	DecompositionSF  Decomposition = "SF"
)

var (
	// ErrFatalConfiguration marks options that make a reconstruction
	// impossible. No geometry work is done once it is returned.
	ErrFatalConfiguration = errors.New("fatal configuration")
	// ErrRecoverableConfiguration marks options that were replaced by a
	// default. Callers log it and carry on.
	ErrRecoverableConfiguration = errors.New("recoverable configuration")
)

// Error reports a rejected configuration value.
type Error struct {
	Option string
	Value  string
	Reason string
	Fatal  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Option, e.Value, e.Reason)
}

func (e *Error) Unwrap() error {
	if e.Fatal {
		return ErrFatalConfiguration
	}
	return ErrRecoverableConfiguration
}

// ResolveBackend maps a pcm option value onto a supported backend.
// PCL is known but has no implementation; both it and unknown names are fatal.
func ResolveBackend(name string) (SearchBackend, error) {
	switch b := SearchBackend(name); b {
	case BackendSTANN, BackendFLANN, BackendNABO, BackendNANOFLANN:
		return b, nil
	case BackendPCL:
		return "", &Error{Option: "pcm", Value: name, Reason: "backend not implemented", Fatal: true}
	default:
		return "", &Error{Option: "pcm", Value: name, Reason: "unknown point cloud manager", Fatal: true}
	}
}

// ResolveDecomposition maps a decomposition option value onto a strategy.
//
// MC and SF are recognised but unimplemented and return a fatal error.
// Any unrecognised name resolves to PMC together with a non-fatal error
// the caller is expected to log as a warning.
func ResolveDecomposition(name string) (Decomposition, error) {
	switch d := Decomposition(name); d {
	case DecompositionPMC:
		return d, nil
	case DecompositionMC, DecompositionSF:
		return "", &Error{Option: "decomposition", Value: name, Reason: "decomposition not implemented", Fatal: true}
	default:
		return DecompositionPMC, &Error{Option: "decomposition", Value: name, Reason: "unknown decomposition, using PMC"}
	}
}
