package domain

import dErrors "dossier/pkg/domain-errors"

// DocumentCategory identifies what a document is evidence of.
//
// Construct via ParseDocumentCategory at trust boundaries; direct casting
// bypasses the allow-list.
type DocumentCategory string

const (
	CategoryGovernmentID        DocumentCategory = "government_id"
	CategoryProofOfAddress      DocumentCategory = "proof_of_address"
	CategorySelfie              DocumentCategory = "selfie"
	CategoryBusinessLicense     DocumentCategory = "business_license"
	CategoryTaxCertificate      DocumentCategory = "tax_certificate"
	CategoryIncorporationRecord DocumentCategory = "incorporation_record"
	CategoryBankStatement       DocumentCategory = "bank_statement"
)

var validCategories = map[DocumentCategory]bool{
	CategoryGovernmentID:        true,
	CategoryProofOfAddress:      true,
	CategorySelfie:              true,
	CategoryBusinessLicense:     true,
	CategoryTaxCertificate:      true,
	CategoryIncorporationRecord: true,
	CategoryBankStatement:       true,
}

// ParseDocumentCategory returns CodeInvalidInput for empty or unknown values.
func ParseDocumentCategory(s string) (DocumentCategory, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "category cannot be empty")
	}
	c := DocumentCategory(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported document category")
	}
	return c, nil
}

func (c DocumentCategory) IsValid() bool { return validCategories[c] }

func (c DocumentCategory) String() string { return string(c) }

// Role is the KYC role a user applies under. Each role has its own
// requirement list.
type Role string

const (
	RoleIndividual Role = "individual"
	RoleMerchant   Role = "merchant"
	RoleAgent      Role = "agent"
)

// ParseRole returns CodeInvalidInput for empty or unknown roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleIndividual, RoleMerchant, RoleAgent:
		return r, nil
	case "":
		return "", dErrors.New(dErrors.CodeInvalidInput, "role cannot be empty")
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported role")
	}
}

func (r Role) String() string { return string(r) }
