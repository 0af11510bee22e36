package topology

import "sort"

// IsNativeRegion reports whether a region supports native pipeline actions.
// An explicit regions override wins; otherwise every region except
// us-gov-east-1 is native.
func (t *Topology) IsNativeRegion(region string) bool {
	if s, ok := t.Regions[region]; ok && s.NativePipeline != nil {
		return *s.NativePipeline
	}
	return region != RegionUSGovEast1
}

// HasEnvironment reports whether env is a declared environment.
func (t *Topology) HasEnvironment(env string) bool {
	for _, e := range t.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Features returns the union of the transit and management services flags of a region.
func (t *Topology) Features(region string) Features {
	var f Features
	if tr, ok := t.Transit[region]; ok {
		f.VpcFirewall = tr.EnableVpcFirewall
		f.VirtualFirewall = tr.EnableVirtualFirewall
	}
	if ms, ok := t.ManagementServices[region]; ok {
		f.DirectoryVpc = ms.EnableDirectoryVpc
		f.ExternalAccessVpc = ms.EnableExternalAccessVpc
	}
	return f
}

// TransitRegions returns the regions with transit configuration in deploy order.
func (t *Topology) TransitRegions() []string {
	return t.filterRegions(func(r string) bool {
		_, ok := t.Transit[r]
		return ok
	})
}

// ManagementServicesRegions returns the regions with management services in deploy order.
func (t *Topology) ManagementServicesRegions() []string {
	return t.filterRegions(func(r string) bool {
		_, ok := t.ManagementServices[r]
		return ok
	})
}

// CoreRegions returns the regions with both transit and management services.
func (t *Topology) CoreRegions() []string {
	return t.filterRegions(func(r string) bool {
		_, transit := t.Transit[r]
		_, ms := t.ManagementServices[r]
		return transit && ms
	})
}

func (t *Topology) filterRegions(keep func(string) bool) []string {
	regions := make([]string, 0, len(t.DeployToRegions))
	for _, r := range t.DeployToRegions {
		if keep(r) {
			regions = append(regions, r)
		}
	}
	return regions
}

// PluginNames returns plugin names sorted alphabetically.
func (t *Topology) PluginNames() []string {
	names := make([]string, 0, len(t.Plugins))
	for name := range t.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PluginRegions returns the regions of a plugin in deploy order.
func (t *Topology) PluginRegions(plugin string) []string {
	regions := t.Plugins[plugin]
	return t.filterRegions(func(r string) bool {
		_, ok := regions[r]
		return ok
	})
}

// TransitAccount returns the transit account of a region and environment.
func (t *Topology) TransitAccount(region, env string) string {
	return t.Transit[region].Environments[env].AccountID
}

// ManagementServicesAccount returns the management services account of a region and environment.
func (t *Topology) ManagementServicesAccount(region, env string) string {
	return t.ManagementServices[region].Environments[env].AccountID
}

// CoreAccounts returns the transit and management services accounts of a region.
func (t *Topology) CoreAccounts(region, env string) []string {
	var accounts []string
	if _, ok := t.Transit[region]; ok {
		accounts = appendUnique(accounts, t.TransitAccount(region, env))
	}
	if _, ok := t.ManagementServices[region]; ok {
		accounts = appendUnique(accounts, t.ManagementServicesAccount(region, env))
	}
	return accounts
}

// pluginAccounts returns plugin accounts of a region in first-seen order.
func (t *Topology) pluginAccounts(region, env string) []string {
	var accounts []string
	for _, name := range t.PluginNames() {
		pr, ok := t.Plugins[name][region]
		if !ok {
			continue
		}
		for _, a := range pr.Actions {
			accounts = appendUnique(accounts, a.Environments[env].AccountID)
		}
	}
	return accounts
}

// TenantAccounts returns plugin accounts of a region excluding the core,
// central and logging accounts.
func (t *Topology) TenantAccounts(region, env string) []string {
	excluded := map[string]bool{
		t.Central.AccountID: true,
		t.Logging.AccountID: true,
	}
	for _, a := range t.CoreAccounts(region, env) {
		excluded[a] = true
	}

	tenants := make([]string, 0)
	for _, a := range t.pluginAccounts(region, env) {
		if !excluded[a] {
			tenants = append(tenants, a)
		}
	}
	return tenants
}

// EnvironmentAccounts returns every distinct account touched in a region:
// transit, management services and plugin accounts.
func (t *Topology) EnvironmentAccounts(region, env string) []string {
	accounts := t.CoreAccounts(region, env)
	for _, a := range t.pluginAccounts(region, env) {
		accounts = appendUnique(accounts, a)
	}
	return accounts
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// MonitoredAccounts returns the environment accounts of a region without the
// central and logging accounts. These are invited to the security monitoring
// service of the region.
func (t *Topology) MonitoredAccounts(region, env string) []string {
	monitored := make([]string, 0)
	for _, a := range t.EnvironmentAccounts(region, env) {
		if a != t.Central.AccountID && a != t.Logging.AccountID {
			monitored = append(monitored, a)
		}
	}
	return monitored
}
