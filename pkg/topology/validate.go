package topology

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/govframe/pkg/engine"
)

var validate = validator.New()

// Validate checks struct constraints and cross references. Every failure is
// reported as a single configuration error.
func (t *Topology) Validate() error {
	if err := validate.Struct(t); err != nil {
		return engine.NewConfigurationError("topology validation failed", err).
			WithOperation("validate")
	}

	var problems []error
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if t.Partition == PartitionGovCloud && t.Core.PrimaryRegion != RegionUSGovWest1 {
		add("partition %s requires primary region %s, got %s", PartitionGovCloud, RegionUSGovWest1, t.Core.PrimaryRegion)
	}
	if !t.IsNativeRegion(t.Core.PrimaryRegion) {
		add("primary region %s must support native pipeline actions", t.Core.PrimaryRegion)
	}

	deploy := make(map[string]bool, len(t.DeployToRegions))
	suffixes := make(map[string]string, len(t.DeployToRegions))
	for _, r := range t.DeployToRegions {
		deploy[r] = true
		suffix := ActionSuffix(r)
		if other, ok := suffixes[suffix]; ok {
			add("regions %s and %s share action suffix %s", other, r, suffix)
		}
		suffixes[suffix] = r
	}

	for region, tr := range t.Transit {
		if !deploy[region] {
			add("transit region %s is not a deploy region", region)
		}
		if _, ok := t.ManagementServices[region]; !ok {
			add("transit region %s has no management services configuration", region)
		}
		t.checkEnvironments(fmt.Sprintf("transit[%s]", region), tr.Environments, add)
	}

	for region, ms := range t.ManagementServices {
		if !deploy[region] {
			add("management services region %s is not a deploy region", region)
		}
		t.checkEnvironments(fmt.Sprintf("managementServices[%s]", region), ms.Environments, add)
	}

	for name, regions := range t.Plugins {
		for region, pr := range regions {
			if !deploy[region] {
				add("plugin %s region %s is not a deploy region", name, region)
			}
			_, transit := t.Transit[region]
			_, ms := t.ManagementServices[region]
			if !transit || !ms {
				add("plugin %s region %s needs transit and management services configuration", name, region)
			}
			seen := make(map[string]bool)
			for _, a := range pr.Actions {
				if seen[a.ActionName] {
					add("plugin %s region %s declares action %s twice", name, region, a.ActionName)
				}
				seen[a.ActionName] = true
				t.checkEnvironments(fmt.Sprintf("plugins[%s][%s].%s", name, region, a.ActionName), a.Environments, add)
			}
		}
	}

	if t.Federation.Enabled && t.Federation.SourceEnvironment != "" && !t.HasEnvironment(t.Federation.SourceEnvironment) {
		add("federation source environment %s is not a declared environment", t.Federation.SourceEnvironment)
	}

	if len(problems) > 0 {
		return engine.NewConfigurationError("topology validation failed", errors.Join(problems...)).
			WithOperation("validate").
			WithDetail("problems", len(problems))
	}
	return nil
}

func (t *Topology) checkEnvironments(where string, accounts map[string]EnvironmentAccount, add func(string, ...interface{})) {
	for _, env := range t.Environments {
		if _, ok := accounts[env]; !ok {
			add("%s has no account for environment %s", where, env)
		}
	}
}
