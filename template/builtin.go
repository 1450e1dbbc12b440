package template

import "github.com/orchcmd/orchcmd/workflow"

// Builtins returns the pre-built templates for common IT operations
// workflows.
func Builtins() []*Template {
	return []*Template{
		{
			Name:        "cmdb-health-check",
			Description: "CMDB CI health check with discovery scan verification and report generation.",
			Domain:      "cmdb",
			Tags:        []string{"cmdb", "health", "audit"},
			Steps: []workflow.StepSpec{
				{
					ID:         "scan-cis",
					Name:       "Scan Configuration Items",
					Domain:     "cmdb",
					Capability: "cmdb_health_audit",
				},
				{
					ID:         "verify-discovery",
					Name:       "Verify Discovery Data",
					Domain:     "discovery",
					Capability: "get_discovery_status",
					DependsOn:  []string{"scan-cis"},
				},
				{
					ID:         "generate-report",
					Name:       "Generate Health Report",
					Domain:     "documentation",
					Capability: "generate_documentation",
					Params:     map[string]string{"report_type": "health"},
					DependsOn:  []string{"verify-discovery"},
				},
			},
		},
		{
			Name:        "incident-response",
			Description: "Assess incident impact via CMDB, route to the responsible agent, and create a remediation ticket.",
			Domain:      "csa",
			Tags:        []string{"incident", "response", "remediation"},
			Steps: []workflow.StepSpec{
				{
					ID:         "assess-impact",
					Name:       "Assess Incident Impact",
					Domain:     "cmdb",
					Capability: "map_relationships",
				},
				{
					ID:         "route-to-agent",
					Name:       "Route to Responsible Agent",
					Domain:     "csa",
					Capability: "fulfill_requests",
					DependsOn:  []string{"assess-impact"},
				},
				{
					ID:         "create-ticket",
					Name:       "Create Remediation Ticket",
					Domain:     "csa",
					Capability: "run_remediation",
					DependsOn:  []string{"route-to-agent"},
				},
			},
		},
		{
			Name:        "discovery-audit",
			Description: "Run a discovery scan, audit the results for compliance, and generate an audit report.",
			Domain:      "discovery",
			Tags:        []string{"discovery", "audit", "compliance"},
			Steps: []workflow.StepSpec{
				{
					ID:         "run-scan",
					Name:       "Run Discovery Scan",
					Domain:     "discovery",
					Capability: "run_discovery_scan",
				},
				{
					ID:         "audit-results",
					Name:       "Audit Discovery Results",
					Domain:     "audit",
					Capability: "run_compliance_audit",
					DependsOn:  []string{"run-scan"},
				},
				{
					ID:         "generate-report",
					Name:       "Generate Audit Report",
					Domain:     "documentation",
					Capability: "generate_documentation",
					Params:     map[string]string{"report_type": "audit"},
					DependsOn:  []string{"audit-results"},
				},
			},
		},
		{
			Name:        "asset-lifecycle",
			Description: "Scan IT assets, check compliance against policies, and generate lifecycle documentation.",
			Domain:      "asset",
			Tags:        []string{"asset", "lifecycle", "compliance"},
			Steps: []workflow.StepSpec{
				{
					ID:         "scan-assets",
					Name:       "Scan IT Assets",
					Domain:     "asset",
					Capability: "query_assets",
				},
				{
					ID:         "check-compliance",
					Name:       "Check Asset Compliance",
					Domain:     "asset",
					Capability: "license_compliance_check",
					DependsOn:  []string{"scan-assets"},
				},
				{
					ID:         "generate-docs",
					Name:       "Generate Lifecycle Documentation",
					Domain:     "documentation",
					Capability: "generate_documentation",
					Params:     map[string]string{"report_type": "lifecycle"},
					DependsOn:  []string{"check-compliance"},
				},
			},
		},
	}
}

// NewBuiltinRegistry creates a registry pre-loaded with the built-in
// templates.
func NewBuiltinRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, t := range Builtins() {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
