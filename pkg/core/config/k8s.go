//
//  Copyright © Manetu Inc. All rights reserved.
//

package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// podinfo holds Downward API data read once per process.
type podinfo struct {
	labels      map[string]string
	annotations map[string]string
}

var (
	k8sInfo podinfo
	k8sOnce sync.Once
)

// resetK8sCache clears cached Downward API data so it will be re-read.
// Intended for testing only.
func resetK8sCache() {
	k8sInfo = podinfo{}
	k8sOnce = sync.Once{}
}

// parseDownwardAPIFile reads a Kubernetes Downward API file and returns a map
// of key-value pairs. The expected format is one key="value" per line.
// Returns nil if the file does not exist.
func parseDownwardAPIFile(path string) (map[string]string, error) {
	f, err := os.Open(path) // #nosec G304 -- path is constructed from trusted config + fixed filenames
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "\"")
		result[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func loadPodinfo() {
	k8sOnce.Do(func() {
		dir := VConfig.GetString(AuditK8sPodinfo)
		for _, name := range []string{"labels", "annotations"} {
			p := filepath.Join(dir, name)
			values, err := parseDownwardAPIFile(p)
			if err != nil {
				logger.SysWarnf("failed to read k8s %s from %s: %v", name, p, err)
				continue
			}
			switch name {
			case "labels":
				k8sInfo.labels = values
			case "annotations":
				k8sInfo.annotations = values
			}
		}
	})
}

// getK8sLabels returns cached Kubernetes pod labels from the Downward API
// file, or nil when the Downward API volume is not mounted.
func getK8sLabels() map[string]string {
	loadPodinfo()
	return k8sInfo.labels
}

// getK8sAnnotations returns cached Kubernetes pod annotations from the
// Downward API file, or nil when the Downward API volume is not mounted.
func getK8sAnnotations() map[string]string {
	loadPodinfo()
	return k8sInfo.annotations
}
