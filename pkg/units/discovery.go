package units

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
)

// Discover scans the immediate subdirectories of root for unit manifests and
// returns the units they declare, sorted by extension directory name for
// deterministic startup order. Directories without a manifest are ignored;
// directories with a broken manifest produce an entry in the returned error
// slice and are otherwise skipped. Discovery never mutates the tree.
func Discover(root string) ([]Unit, []error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{errors.NewIOError("failed to read extensions directory", err).WithContext("root", root)}
	}

	var discovered []Unit
	var discoveryErrors []error

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			continue
		}

		manifest, err := LoadManifest(dir)
		if err != nil {
			discoveryErrors = append(discoveryErrors,
				errors.NewDiscoveryError("failed to load extension manifest", err).WithContext("dir", dir))
			continue
		}

		if manifest.Name != name {
			discoveryErrors = append(discoveryErrors,
				errors.NewDiscoveryError("manifest name does not match directory name", nil).
					WithContext("dir", dir).WithContext("manifest_name", manifest.Name))
			continue
		}

		discovered = append(discovered, manifest.Units(dir)...)
	}

	return discovered, discoveryErrors
}
