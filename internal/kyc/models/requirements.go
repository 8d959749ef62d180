package models

import (
	"slices"

	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

// Requirements maps each role to its fixed requirement list. It is static
// configuration, never per-user state.
type Requirements map[id.Role][]Requirement

// DefaultRequirements is the production requirement table.
var DefaultRequirements = Requirements{
	id.RoleIndividual: {
		{Category: id.CategoryGovernmentID, Required: true},
		{Category: id.CategoryProofOfAddress, Required: true},
		{Category: id.CategorySelfie, Required: true},
	},
	id.RoleMerchant: {
		{Category: id.CategoryGovernmentID, Required: true},
		{Category: id.CategoryBusinessLicense, Required: true},
		{Category: id.CategoryTaxCertificate, Required: true},
		{Category: id.CategoryIncorporationRecord, Required: true},
		{Category: id.CategoryBankStatement, Required: false},
	},
	id.RoleAgent: {
		{Category: id.CategoryGovernmentID, Required: true},
		{Category: id.CategoryProofOfAddress, Required: true},
		{Category: id.CategoryBankStatement, Required: true},
	},
}

// For returns the requirement list of role.
func (r Requirements) For(role id.Role) ([]Requirement, error) {
	reqs, ok := r[role]
	if !ok || len(reqs) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "no KYC requirements for role "+string(role))
	}
	return reqs, nil
}

// Covers reports whether category appears in role's list, required or not.
func (r Requirements) Covers(role id.Role, category id.DocumentCategory) bool {
	return slices.ContainsFunc(r[role], func(req Requirement) bool { return req.Category == category })
}
