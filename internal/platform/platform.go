// Package `platform` probes the host: it selects the staging root, verifies
// that required capabilities are present, and discovers the identity facts
// (host, user, IP) that go into chunk labels and the provenance sidecar.
package platform

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/execx"
)

// `applianceMarker` identifies a sequencer appliance host, which has a large
// local scratch volume under `/usr/local/illumina`.
const applianceMarker = "/usr/local/illumina"

const stagingDirName = "seq-run-uploads"

// `Probe` is the result of `Detect()`.
type Probe struct {
	// `Appliance` is true if the host looks like a sequencer appliance.
	Appliance bool

	// `StagingRoot` is the selected staging root.  A configured staging
	// root overrides the heuristic.
	StagingRoot string

	// `IPTool` is the optional `ip` tool, nil if absent.
	IPTool *execx.Tool
}

// `Detect()` probes the host.  `configuredRoot` may be empty.
func Detect(configuredRoot string) (*Probe, error) {
	p := &Probe{}

	if inf, err := os.Stat(applianceMarker); err == nil && inf.IsDir() {
		p.Appliance = true
	}

	switch {
	case configuredRoot != "":
		p.StagingRoot = configuredRoot
	case p.Appliance:
		p.StagingRoot = filepath.Join(applianceMarker, stagingDirName)
	default:
		p.StagingRoot = filepath.Join("/tmp", stagingDirName)
	}

	tool, err := execx.LookOptionalTool(execx.ToolSpec{
		Program:   "ip",
		CheckArgs: []string{"-V"},
		CheckText: "ip utility",
	})
	if err != nil {
		return nil, err
	}
	p.IPTool = tool

	return p, nil
}

// `VerifyCapabilities()` checks the capabilities the uploader cannot run
// without.  Missing capability is fatal at startup.
func (p *Probe) VerifyCapabilities() error {
	if err := os.MkdirAll(p.StagingRoot, 0777); err != nil {
		return fmt.Errorf(
			"cannot create staging root `%s`: %w", p.StagingRoot, err,
		)
	}
	probe := filepath.Join(p.StagingRoot, ".write-probe")
	if err := os.WriteFile(probe, nil, 0666); err != nil {
		return fmt.Errorf(
			"staging root `%s` is not writable: %w", p.StagingRoot, err,
		)
	}
	_ = os.Remove(probe)
	return nil
}

// `Identity` is recorded in chunk volume labels and the provenance sidecar.
type Identity struct {
	Host string
	User string
	IP   string
	OS   string
	Arch string
}

var ipRouteSrcRgx = regexp.MustCompile(`\bsrc ([0-9a-fA-F.:]+)`)

// `WhoAmI()` collects the host identity.  Failures degrade to empty fields;
// identity is informational only.
func (p *Probe) WhoAmI() Identity {
	id := Identity{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	if h, err := os.Hostname(); err == nil {
		id.Host = h
	}
	if u, err := user.Current(); err == nil {
		id.User = u.Username
	}
	id.IP = p.discoverIP()
	return id
}

// `discoverIP()` asks the `ip` tool for the default-route source address and
// falls back to scanning the interfaces for a global unicast address.
func (p *Probe) discoverIP() string {
	if p.IPTool != nil {
		out, err := exec.Command(
			p.IPTool.Path, "-4", "route", "get", "1.1.1.1",
		).Output()
		if err == nil {
			if m := ipRouteSrcRgx.FindSubmatch(out); m != nil {
				return string(m[1])
			}
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if !ip.IsGlobalUnicast() || ip.To4() == nil {
			continue
		}
		return ip.String()
	}
	return ""
}

// `ShortHost()` strips the domain from a hostname.
func ShortHost(h string) string {
	if i := strings.IndexByte(h, '.'); i > 0 {
		return h[:i]
	}
	return h
}
