package device

import "strings"

// ScoreFunc ranks devices; the highest score wins selection.
type ScoreFunc func(DeviceInfo) float64

// VendorProfile holds the throughput constants of a vendor's compute units.
type VendorProfile struct {
	CoresPerUnit         float64
	ClocksPerInstruction float64
}

// DefaultVendorTable is a coarse heuristic, not a hardware database. Vendors
// missing from the table score as 1 core per unit, 1 clock per instruction.
var DefaultVendorTable = map[string]VendorProfile{
	"nvidia": {CoresPerUnit: 128, ClocksPerInstruction: 1},
	"amd":    {CoresPerUnit: 64, ClocksPerInstruction: 1},
}

// VendorID reduces a vendor string to a coarse identifier.
func VendorID(vendor string) string {
	v := strings.ToLower(vendor)
	switch {
	case strings.Contains(v, "nvidia"):
		return "nvidia"
	case strings.Contains(v, "advanced micro devices"), strings.Contains(v, "amd"):
		return "amd"
	case strings.Contains(v, "intel"):
		return "intel"
	case strings.Contains(v, "apple"):
		return "apple"
	default:
		return "other"
	}
}

// TableScore scores clock × units × coresPerUnit / clocksPerInstruction.
func TableScore(table map[string]VendorProfile) ScoreFunc {
	return func(d DeviceInfo) float64 {
		p, ok := table[VendorID(d.Vendor)]
		if !ok || p.CoresPerUnit <= 0 || p.ClocksPerInstruction <= 0 {
			p = VendorProfile{CoresPerUnit: 1, ClocksPerInstruction: 1}
		}
		return float64(d.ClockMHz) * float64(d.ComputeUnits) * p.CoresPerUnit / p.ClocksPerInstruction
	}
}

// DefaultScore uses DefaultVendorTable.
func DefaultScore(d DeviceInfo) float64 {
	return TableScore(DefaultVendorTable)(d)
}
