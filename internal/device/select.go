package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-bindery/internal/config"
	"github.com/23skdu/longbow-bindery/internal/deverr"
)

// Candidate is a device together with the platform that exposes it.
type Candidate struct {
	Platform     Platform
	PlatformInfo PlatformInfo
	Device       Device
	Info         DeviceInfo
	Score        float64
}

// Enumerate lists every device of every platform, scored with score
// (DefaultScore when nil).
func Enumerate(b Backend, score ScoreFunc) ([]Candidate, error) {
	if score == nil {
		score = DefaultScore
	}
	platforms, err := b.Platforms()
	if err != nil {
		return nil, fmt.Errorf("list %s platforms: %w", b.Name(), err)
	}
	var out []Candidate
	for _, p := range platforms {
		devices, err := p.Devices()
		if err != nil {
			return nil, fmt.Errorf("list devices of platform %q: %w", p.Info().Name, err)
		}
		for _, d := range devices {
			info := d.Info()
			out = append(out, Candidate{
				Platform:     p,
				PlatformInfo: p.Info(),
				Device:       d,
				Info:         info,
				Score:        score(info),
			})
		}
	}
	return out, nil
}

// Select filters platforms and devices by sel and returns the highest
// scoring survivor. Ties keep enumeration order.
func Select(b Backend, sel config.Selection, score ScoreFunc) (Candidate, error) {
	if score == nil {
		score = DefaultScore
	}
	platforms, err := b.Platforms()
	if err != nil {
		return Candidate{}, fmt.Errorf("list %s platforms: %w", b.Name(), err)
	}

	var kept []Platform
	var platformReasons []string
	for _, p := range platforms {
		if reason := MatchPlatform(sel.Platform, p.Info()); reason != "" {
			platformReasons = append(platformReasons, fmt.Sprintf("%q: %s", p.Info().Name, reason))
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return Candidate{}, fmt.Errorf("%w: no platform of %d matches %s [%s]",
			deverr.ErrNoMatchingDevice, len(platforms), describe(sel.Platform), strings.Join(platformReasons, "; "))
	}

	best := Candidate{Score: -1}
	found := false
	var deviceReasons []string
	for _, p := range kept {
		devices, err := p.Devices()
		if err != nil {
			return Candidate{}, fmt.Errorf("list devices of platform %q: %w", p.Info().Name, err)
		}
		for _, d := range devices {
			info := d.Info()
			if reason := MatchDevice(sel.Device, info); reason != "" {
				deviceReasons = append(deviceReasons, fmt.Sprintf("%q: %s", info.Name, reason))
				continue
			}
			s := score(info)
			if !found || s > best.Score {
				best = Candidate{Platform: p, PlatformInfo: p.Info(), Device: d, Info: info, Score: s}
				found = true
			}
		}
	}
	if !found {
		return Candidate{}, fmt.Errorf("%w: no device matches %s [%s]",
			deverr.ErrNoMatchingDevice, describe(sel.Device), strings.Join(deviceReasons, "; "))
	}
	return best, nil
}

// MatchPlatform returns "" when p satisfies c, otherwise the failed filter.
func MatchPlatform(c config.Constraints, p PlatformInfo) string {
	if c.Name != "" && !containsFold(p.Name, c.Name) {
		return fmt.Sprintf("name does not contain %q", c.Name)
	}
	if c.Vendor != "" && !containsFold(p.Vendor, c.Vendor) {
		return fmt.Sprintf("vendor %q does not contain %q", p.Vendor, c.Vendor)
	}
	if c.Version != "" && !versionAtLeast(p.Version, c.Version) {
		return fmt.Sprintf("version %q below %s", p.Version, c.Version)
	}
	return ""
}

// MatchDevice returns "" when d satisfies c, otherwise the failed filter.
func MatchDevice(c config.Constraints, d DeviceInfo) string {
	if c.Name != "" && !containsFold(d.Name, c.Name) {
		return fmt.Sprintf("name does not contain %q", c.Name)
	}
	if c.Vendor != "" && !containsFold(d.Vendor, c.Vendor) {
		return fmt.Sprintf("vendor %q does not contain %q", d.Vendor, c.Vendor)
	}
	if c.Version != "" && !versionAtLeast(d.Version, c.Version) {
		return fmt.Sprintf("version %q below %s", d.Version, c.Version)
	}
	if c.Type != config.DeviceAny && d.Type != c.Type {
		return fmt.Sprintf("type %s is not %s", d.Type, c.Type)
	}
	for _, ext := range c.Extensions {
		if !d.HasExtension(ext) {
			return fmt.Sprintf("missing extension %q", ext)
		}
	}
	if c.QueueCaps != 0 && !d.QueueCaps.Has(c.QueueCaps) {
		return fmt.Sprintf("queue capabilities %s lack %s", d.QueueCaps, c.QueueCaps)
	}
	return ""
}

var versionNumRe = regexp.MustCompile(`(\d+)\.(\d+)`)

// parseVersion extracts the first major.minor pair, e.g. from
// "OpenCL 3.0 CUDA 12.4.131".
func parseVersion(s string) (major, minor int, ok bool) {
	m := versionNumRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, true
}

func versionAtLeast(have, want string) bool {
	wMaj, wMin, ok := parseVersion(want)
	if !ok {
		return false
	}
	hMaj, hMin, ok := parseVersion(have)
	if !ok {
		return false
	}
	if hMaj != wMaj {
		return hMaj > wMaj
	}
	return hMin >= wMin
}

func describe(c config.Constraints) string {
	var parts []string
	if c.Name != "" {
		parts = append(parts, fmt.Sprintf("name=%q", c.Name))
	}
	if c.Vendor != "" {
		parts = append(parts, fmt.Sprintf("vendor=%q", c.Vendor))
	}
	if c.Version != "" {
		parts = append(parts, "version>="+c.Version)
	}
	if c.Type != config.DeviceAny {
		parts = append(parts, "type="+c.Type.String())
	}
	if len(c.Extensions) > 0 {
		parts = append(parts, "extensions="+strings.Join(c.Extensions, ","))
	}
	if c.QueueCaps != 0 {
		parts = append(parts, "queue="+c.QueueCaps.String())
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, " ") + "}"
}
