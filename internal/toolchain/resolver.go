package toolchain

import (
	"strings"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// Inputs are the candidate versions for an invocation, highest precedence first
type Inputs struct {
	// Explicit is the --tools-version flag
	Explicit string
	// Env is the SBF_TOOLS_VERSION environment variable
	Env string
	// WorkspacePin is workspace.metadata.solana.tools-version
	WorkspacePin string
	// ConfigDefault is tools_version from a config file
	ConfigDefault string
}

// Resolver turns version inputs into a Spec for one platform
type Resolver struct {
	Platform    string
	URLTemplate string
	// Default is the built-in version; DefaultVersion when empty
	Default string
	// Checksums maps "<version>/<platform>" or "<version>" to an expected checksum
	Checksums map[string]string
	// Checksum applies to the explicitly requested version only
	Checksum string
}

// Resolve selects the invocation-wide toolchain. Precedence is
// explicit > environment > workspace pin > config file > built-in default.
// Every candidate is validated so a malformed pin fails before any I/O, even
// when a higher-precedence value would have shadowed it.
func (r *Resolver) Resolve(in Inputs) (Spec, error) {
	candidates := []struct {
		raw    string
		source Source
	}{
		{in.Explicit, SourceExplicit},
		{in.Env, SourceEnv},
		{in.WorkspacePin, SourceWorkspace},
		{in.ConfigDefault, SourceConfig},
		{r.defaultVersion(), SourceDefault},
	}

	var chosen Spec
	found := false

	for _, c := range candidates {
		if strings.TrimSpace(c.raw) == "" {
			continue
		}

		v, err := ParseVersion(c.raw)
		if err != nil {
			return Spec{}, codes.Errorf(codes.KindConfig, "resolve", "%s toolchain version: %w", c.source, err)
		}

		if !found {
			chosen = r.spec(v, c.source)
			found = true
		}
	}

	if r.Checksum != "" {
		if chosen.Source != SourceExplicit {
			return Spec{}, codes.Errorf(codes.KindConfig, "resolve", "--tools-checksum requires --tools-version")
		}

		sum, err := ParseChecksum(r.Checksum)
		if err != nil {
			return Spec{}, err
		}
		chosen.Checksum = sum
	} else if err := r.attachChecksum(&chosen); err != nil {
		return Spec{}, err
	}

	return chosen, nil
}

// ForCrate returns the spec a crate builds with. A crate's own pin wins for
// that crate only; without one the invocation-wide spec is returned unchanged.
func (r *Resolver) ForCrate(base Spec, crateVersion string) (Spec, error) {
	if strings.TrimSpace(crateVersion) == "" {
		return base, nil
	}

	v, err := ParseVersion(crateVersion)
	if err != nil {
		return Spec{}, codes.Errorf(codes.KindConfig, "resolve", "crate toolchain version: %w", err)
	}

	if v == base.Version {
		return base, nil
	}

	spec := r.spec(v, SourceCrate)
	if err := r.attachChecksum(&spec); err != nil {
		return Spec{}, err
	}

	return spec, nil
}

func (r *Resolver) spec(version string, source Source) Spec {
	tmpl := r.URLTemplate
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}

	return Spec{
		Version:     version,
		Platform:    r.Platform,
		URLTemplate: tmpl,
		Source:      source,
	}
}

func (r *Resolver) attachChecksum(spec *Spec) error {
	for _, key := range []string{spec.Version + "/" + spec.Platform, spec.Version} {
		raw, ok := r.Checksums[key]
		if !ok {
			continue
		}

		sum, err := ParseChecksum(raw)
		if err != nil {
			return err
		}

		spec.Checksum = sum
		return nil
	}

	return nil
}

func (r *Resolver) defaultVersion() string {
	if r.Default != "" {
		return r.Default
	}

	return DefaultVersion
}
