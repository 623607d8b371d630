//
//  Copyright © Manetu Inc. All rights reserved.
//

package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest file expected inside each domain directory.
const FileName = "manifest.yaml"

// Load parses and validates the manifest at dir/manifest.yaml. The declared
// name must match the directory basename.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)

	f, err := os.Open(path) // #nosec G304 -- manifest dir comes from trusted config
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := m.validate(filepath.Base(dir)); err != nil {
		return nil, err
	}

	return &m, nil
}
