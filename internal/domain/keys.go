package domain

// Context store key layout shared by the orchestrator, the router and runners.
const (
	InputsPrefix       = "inputs/"
	FindingsPrefix     = "findings/"
	RequirementsPrefix = "requirements/"
	FlagsPrefix        = "flags/"

	KeyContracts  = InputsPrefix + "contracts"
	KeyImages     = InputsPrefix + "images"
	KeyPlanograms = InputsPrefix + "planograms"

	FlagElevatedUncertainty = "elevated_uncertainty"
)

// FlagKey builds flags/<name>.
func FlagKey(name string) string {
	return FlagsPrefix + name
}

// RequirementKey builds requirements/<subject>/<name>.
func RequirementKey(subject, name string) string {
	return RequirementsPrefix + subject + "/" + name
}

// Canonical producer roles.
const (
	RoleContractAnalysis  = "contract_analysis"
	RoleVisualInspection  = "visual_inspection"
	RolePlanogramMatching = "planogram_matching"
)
