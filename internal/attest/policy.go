package attest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the production measurement allow-list, loaded from YAML:
//
//	allowed_enclaves:
//	  - 9f86d08188...
//	allowed_signers:
//	  - 60303ae22b...
type Policy struct {
	AllowedEnclaves []string `yaml:"allowed_enclaves"`
	AllowedSigners  []string `yaml:"allowed_signers"`
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attestation policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse attestation policy: %w", err)
	}
	if len(p.AllowedEnclaves) == 0 {
		return nil, fmt.Errorf("attestation policy %s allows no enclaves", path)
	}
	return &p, nil
}

// Check returns an empty string when measurements satisfy the allow-list,
// or the rejection reason.
func (p *Policy) Check(measurements map[string]string) string {
	if !contains(p.AllowedEnclaves, measurements[MeasEnclave]) {
		return fmt.Sprintf("measurement %s=%s not in allow-list", MeasEnclave, measurements[MeasEnclave])
	}
	if len(p.AllowedSigners) > 0 && !contains(p.AllowedSigners, measurements[MeasSigner]) {
		return fmt.Sprintf("measurement %s=%s not in allow-list", MeasSigner, measurements[MeasSigner])
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
