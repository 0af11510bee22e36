package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	// TopologySchema checks topology documents written in CUE.
	TopologySchema = "topology"
)

// SchemaRegistry manages named CUE definitions. Each schema is compiled from
// CUE source and must declare a definition named after the schema
// (topology -> #Topology).
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, src := range map[string]string{
		TopologySchema: builtinTopologySchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}
}

// RegisterSchema compiles and registers a schema under name, replacing any
// previous schema with that name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, convertCUEErrors(err))
	}
	if !val.LookupPath(definitionPath(name)).Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definitionPath(name))
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves the compiled source of a schema.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns the definition a schema declares.
func (sr *SchemaRegistry) Definition(name string) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return schema.LookupPath(definitionPath(name)), nil
}

// ValidateAgainstSchema encodes data and checks it against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	def, err := sr.Definition(schemaName)
	if err != nil {
		return err
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := def.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func definitionPath(name string) cue.Path {
	if name == "" {
		return cue.ParsePath("#")
	}
	return cue.ParsePath("#" + strings.ToUpper(name[:1]) + name[1:])
}

// Built-in schema definitions

const builtinTopologySchema = `
#AccountID: string & =~"^[0-9]{12}$"

#EnvironmentAccounts: [string]: {
	accountId: #AccountID
}

#TransitRegion: {
	enableVpcFirewall:     bool | *false
	enableVirtualFirewall: bool | *false
	environments:          #EnvironmentAccounts
	ssmParameters?: [string]: _
}

#ManagementServicesRegion: {
	enableDirectoryVpc:      bool | *false
	enableExternalAccessVpc: bool | *false
	environments:            #EnvironmentAccounts
	ssmParameters?: [string]: _
}

#PluginAction: {
	actionName:       string & !=""
	deploymentAction: "cloudformation" | "cdk"
	if deploymentAction == "cloudformation" {
		templatePath: string & !=""
	}
	templatePath?:               string
	hasTransitGatewayAttachment: bool | *false
	environments:                #EnvironmentAccounts
}

// Topology is the provisioning topology of one organization.
#Topology: {
	partition:    *"aws" | "aws-us-gov"
	environments: [string, ...string]
	deployToRegions: [string, ...string]
	regions?: [string]: {
		nativePipeline?: bool
	}

	core: {
		primaryRegion:       string
		notificationsEmail?: string
	}
	central: {
		accountId:      #AccountID
		organizationId: string
		ssmParameters?: [string]: string
	}
	logging: {
		accountId: #AccountID
	}
	accounts?: {
		logging?:            string
		managementServices?: string
		transit?:            string
	}

	transit?: [string]:            #TransitRegion
	managementServices?: [string]: #ManagementServicesRegion
	plugins?: [string]: [string]: {
		actions: [...#PluginAction]
	}
	stackSets?: [string]: {
		parameters?: [string]: string
	}

	federation?: {
		enabled:            bool | *false
		name?:              string
		sourceEnvironment?: string
	}
	solution?: {
		builtBy?: string
		name?:    string
		version?: string
	}
	artifacts: {
		bucket:                    string & !=""
		kmsKeyId?:                 string
		bucketRegionalDomainName?: string
		updateArtifactAcl:         bool | *false
	}
}
`
