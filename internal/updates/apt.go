// Package updates wraps apt: the cached upgradable-package check, install
// command construction and install progress parsing.
package updates

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"naspanel/internal/errs"
	"naspanel/internal/proctrack"
)

// Package is one upgradable package.
type Package struct {
	Name           string `json:"name"`
	Suite          string `json:"suite,omitempty"`
	CurrentVersion string `json:"current_version"`
	NewVersion     string `json:"new_version"`
	Arch           string `json:"arch,omitempty"`
}

var (
	rePackage = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]*$`)
	reGet     = regexp.MustCompile(`^Get:\d+`)
	rePercent = regexp.MustCompile(`(\d+)%`)
)

// ParseUpgradable parses `apt list --upgradable` output, e.g.
//
//	vim/jammy-updates 2:8.2.3995-1ubuntu2.17 amd64 [upgradable from: 2:8.2.3995-1ubuntu2.16]
func ParseUpgradable(out string) []Package {
	seen := map[string]bool{}
	pkgs := []Package{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Listing") || strings.HasPrefix(line, "WARNING") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		name, suite, _ := strings.Cut(fields[0], "/")
		if name == "" || seen[name] {
			continue
		}
		p := Package{Name: name, Suite: suite, NewVersion: fields[1], Arch: fields[2]}
		if i := strings.Index(line, "[upgradable from: "); i >= 0 {
			p.CurrentVersion = strings.TrimSuffix(line[i+len("[upgradable from: "):], "]")
		}
		seen[name] = true
		pkgs = append(pkgs, p)
	}
	return pkgs
}

// ParseProgress maps an apt output line to a progress frame. Downloads
// take the first 70%; a Get line without a percentage reports -1 so the
// previous progress is kept.
func ParseProgress(line string) (proctrack.Frame, bool) {
	switch {
	case strings.Contains(line, "Unpacking"):
		return proctrack.Frame{Progress: 30, Message: "Unpacking package..."}, true
	case strings.Contains(line, "Setting up"):
		return proctrack.Frame{Progress: 80, Message: "Configuring package..."}, true
	case reGet.MatchString(strings.TrimSpace(line)):
		f := proctrack.Frame{Progress: -1, Message: "Downloading package..."}
		if m := rePercent.FindStringSubmatch(line); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil && p > 0 {
				f.Progress = int(math.Floor(float64(min(p, 100)) * 0.7))
			}
		}
		return f, true
	}
	return proctrack.Frame{}, false
}

// ValidatePackages checks every name against the Debian package name rules.
func ValidatePackages(pkgs []string) ([]string, error) {
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		p = strings.TrimSpace(p)
		if !rePackage.MatchString(p) {
			return nil, errs.Input("packages", "invalid package name %q", p)
		}
		out = append(out, p)
	}
	return out, nil
}

// InstallCommand installs pkgs, or upgrades everything when pkgs is empty.
func InstallCommand(pkgs []string) (string, error) {
	names, err := ValidatePackages(pkgs)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "DEBIAN_FRONTEND=noninteractive apt-get upgrade -y", nil
	}
	return fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y %s", strings.Join(names, " ")), nil
}
