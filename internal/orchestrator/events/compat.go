// Copyright 2026 fanjia1024

package events

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// RuntimeInfo 宿主运行时版本信息，与清单的 runtime 声明比对
type RuntimeInfo struct {
	CoreVersion    string `json:"coreVersion"`
	ProfileID      string `json:"runtimeProfileId"`
	ProfileVersion string `json:"runtimeProfileVersion"`
}

// CompatSummary 兼容性结论
type CompatSummary struct {
	Compatible bool     `json:"compatible"`
	Reasons    []string `json:"reasons,omitempty"`
}

// checkCompat 按 semver 语义比对：精确版本用相等，range 用约束表达式。
// 清单未做任何声明时视作兼容。
func checkCompat(host RuntimeInfo, m *Manifest) CompatSummary {
	if m == nil {
		return CompatSummary{Compatible: true}
	}
	var reasons []string

	if rng := m.Runtime.CoreAPIVersionRange; rng != "" {
		if !rangeSatisfied(rng, host.CoreVersion) {
			reasons = append(reasons, fmt.Sprintf("core api %s does not satisfy range %q", host.CoreVersion, rng))
		}
	} else if exact := m.Runtime.CoreAPIVersion; exact != "" {
		if !versionsEqual(exact, host.CoreVersion) {
			reasons = append(reasons, fmt.Sprintf("core api %s does not match required %s", host.CoreVersion, exact))
		}
	}

	if len(m.Runtime.Profiles) > 0 {
		matched := false
		for _, p := range m.Runtime.Profiles {
			if p.Name != host.ProfileID {
				continue
			}
			switch {
			case p.VersionRange != "":
				if rangeSatisfied(p.VersionRange, host.ProfileVersion) {
					matched = true
				}
			case p.Version != "":
				if versionsEqual(p.Version, host.ProfileVersion) {
					matched = true
				}
			default:
				matched = true
			}
			if matched {
				break
			}
		}
		if !matched {
			reasons = append(reasons, fmt.Sprintf("no declared profile matches %s@%s", host.ProfileID, host.ProfileVersion))
		}
	}

	return CompatSummary{Compatible: len(reasons) == 0, Reasons: reasons}
}

func versionsEqual(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.Equal(vb)
}

func rangeSatisfied(rng, version string) bool {
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}
