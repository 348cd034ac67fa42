package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy tunes the heuristics applied to actors without an established
// relationship.
type Policy struct {
	// An instance at or above either threshold is established.
	MinInstanceFollowers int64 `yaml:"min_instance_followers" json:"min_instance_followers"`
	MinInstanceFollowing int64 `yaml:"min_instance_following" json:"min_instance_following"`
	// A user at or above either threshold escapes the low-trust block.
	MinUserFollowers int64 `yaml:"min_user_followers" json:"min_user_followers"`
	MinUserFollowing int64 `yaml:"min_user_following" json:"min_user_following"`
	// Zero disables the account age check.
	MinAccountAge time.Duration `yaml:"min_account_age" json:"min_account_age"`

	AllowInstances []string `yaml:"allow_instances" json:"allow_instances"`
	DenyInstances  []string `yaml:"deny_instances" json:"deny_instances"`

	FilteredActivityTypes []string `yaml:"filtered_activity_types" json:"filtered_activity_types"`

	// BlockUnknownInstance drops deliveries from hosts the application
	// database has never seen.
	BlockUnknownInstance       bool `yaml:"block_unknown_instance" json:"block_unknown_instance"`
	BlockUnknownActor          bool `yaml:"block_unknown_actor" json:"block_unknown_actor"`
	BlockOnBurst               bool `yaml:"block_on_burst" json:"block_on_burst"`
	RequireActivityContentType bool `yaml:"require_activity_content_type" json:"require_activity_content_type"`
}

func DefaultPolicy() Policy {
	return Policy{
		MinInstanceFollowers:       5,
		MinInstanceFollowing:       5,
		MinUserFollowers:           1,
		MinUserFollowing:           1,
		FilteredActivityTypes:      []string{"Create"},
		BlockUnknownInstance:       true,
		BlockUnknownActor:          true,
		BlockOnBurst:               true,
		RequireActivityContentType: true,
	}
}

// ParsePolicy decodes YAML on top of DefaultPolicy, so omitted keys keep
// their defaults. Unknown keys are rejected.
func ParsePolicy(raw []byte) (Policy, error) {
	p := DefaultPolicy()
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.normalize()
	return p, nil
}

// LoadPolicy reads a policy file. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(raw)
}

func (p Policy) Validate() error {
	var errs []error
	if p.MinInstanceFollowers < 0 || p.MinInstanceFollowing < 0 {
		errs = append(errs, errors.New("instance thresholds must be non-negative"))
	}
	if p.MinUserFollowers < 0 || p.MinUserFollowing < 0 {
		errs = append(errs, errors.New("user thresholds must be non-negative"))
	}
	if p.MinAccountAge < 0 {
		errs = append(errs, errors.New("min_account_age must be non-negative"))
	}
	for _, h := range append(append([]string{}, p.AllowInstances...), p.DenyInstances...) {
		if strings.TrimSpace(h) == "" || strings.ContainsAny(h, "/ ") {
			errs = append(errs, fmt.Errorf("invalid instance host %q", h))
		}
	}
	return errors.Join(errs...)
}

func (p *Policy) normalize() {
	p.AllowInstances = normalizeHosts(p.AllowInstances)
	p.DenyInstances = normalizeHosts(p.DenyInstances)
}

func normalizeHosts(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, h := range in {
		out = append(out, strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), "."))
	}
	return out
}
