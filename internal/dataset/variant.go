package dataset

import (
	"fmt"
	"strings"
)

// Kind tags a dataset variant.
type Kind uint8

const (
	Generic Kind = iota
	KSpace
	Image
	SensitivityMap
	Mask
)

func (k Kind) String() string {
	switch k {
	case Generic:
		return "generic"
	case KSpace:
		return "kspace"
	case Image:
		return "image"
	case SensitivityMap:
		return "sensitivity"
	case Mask:
		return "mask"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "generic":
		return Generic, nil
	case "kspace":
		return KSpace, nil
	case "image":
		return Image, nil
	case "sensitivity":
		return SensitivityMap, nil
	case "mask":
		return Mask, nil
	default:
		return 0, fmt.Errorf("unknown dataset kind: %q", s)
	}
}

// Variant carries the fields specific to a dataset kind. Only the fields of
// the tagged kind may be set.
type Variant struct {
	Kind Kind

	// Coils is the coil count of k-space and sensitivity data.
	Coils int
	// Trajectory describes k-space sampling, e.g. "cartesian" or "radial".
	Trajectory string
	// MaskFormat describes how a sampling mask is encoded.
	MaskFormat string
}

// CoilBearing reports whether arrays are indexed by coil within each time
// point. It is the only variant property that changes stride computation.
func (v Variant) CoilBearing() bool {
	return v.Kind == KSpace || v.Kind == SensitivityMap
}

func (v Variant) validate() error {
	if v.Kind > Mask {
		return fmt.Errorf("invalid dataset kind: %d", v.Kind)
	}
	if v.CoilBearing() {
		if v.Coils <= 0 {
			return fmt.Errorf("invalid coils for %s dataset: %d (must be positive)", v.Kind, v.Coils)
		}
	} else if v.Coils != 0 {
		return fmt.Errorf("invalid coils for %s dataset: %d (only kspace and sensitivity data have coils)", v.Kind, v.Coils)
	}
	if v.Trajectory != "" && v.Kind != KSpace {
		return fmt.Errorf("invalid trajectory for %s dataset: %q", v.Kind, v.Trajectory)
	}
	if v.MaskFormat != "" && v.Kind != Mask {
		return fmt.Errorf("invalid mask format for %s dataset: %q", v.Kind, v.MaskFormat)
	}
	return nil
}
